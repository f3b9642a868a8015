package proxies

import (
	"fmt"
)

// DeduplicateProxies 去除重复节点，保持发现顺序
// 同一出口（协议、地址、端口、SNI、密码）只保留第一个；控制面按名称切换节点，重名节点也只保留第一个
func DeduplicateProxies(list []Proxy) []Proxy {
	seenKeys := make(map[string]bool, len(list))
	seenNames := make(map[string]bool, len(list))
	result := make([]Proxy, 0, len(list))

	for _, p := range list {
		if seenNames[p.Name] {
			continue
		}
		key := endpointKey(p)
		if key != "" && seenKeys[key] {
			continue
		}
		seenNames[p.Name] = true
		if key != "" {
			seenKeys[key] = true
		}
		result = append(result, p)
	}
	return result
}

// endpointKey 没有地址的节点返回空，只按名称去重
func endpointKey(p Proxy) string {
	if p.Server == "" {
		return ""
	}
	servername, _ := p.Mapping["servername"].(string)
	if servername == "" {
		servername, _ = p.Mapping["sni"].(string)
	}
	password, _ := p.Mapping["password"].(string)
	if password == "" {
		password, _ = p.Mapping["uuid"].(string)
	}
	return fmt.Sprintf("[%s]%s:%d:%s:%s", p.Type, p.Server, p.Port, servername, password)
}
