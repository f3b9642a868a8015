package proxies

// CountryCodeToFlag 国家代码转旗帜 emoji
func CountryCodeToFlag(code string) string {
	if len(code) != 2 {
		return "🏴‍☠"
	}

	code = string([]rune(code)[0]&^0x20) + string([]rune(code)[1]&^0x20) // 转成大写（ASCII 位运算）

	r1 := rune(code[0]-'A') + 0x1F1E6
	r2 := rune(code[1]-'A') + 0x1F1E6

	return string([]rune{r1, r2})
}

// Label 日志与报告中展示的地区标签，例如 "🇭🇰HK/EA"
func (t RegionTag) Label() string {
	if t.Country == "" {
		return RegionOther
	}
	return CountryCodeToFlag(t.Country) + t.Country + "/" + t.GroupOrOther()
}
