package main

// 构建时通过 -ldflags "-X main.Version=... -X main.CurrentCommit=..." 注入
var (
	Version       = "dev"
	CurrentCommit = "unknown"
)
