package constants

// Version information (injected at build time)
var (
	// Version 应用版本号（通过 -ldflags 注入）
	Version = "dev"

	// BuildTime 构建时间（通过 -ldflags 注入）
	BuildTime = "unknown"

	// GitCommit Git 提交哈希（通过 -ldflags 注入）
	GitCommit = "unknown"
)

// GeminiCLIVersion is the gemini-cli release the upstream fingerprint
// claims to be. The Code Assist API serves the CLI, so requests carry
// its User-Agent.
const GeminiCLIVersion = "0.1.5"

// FullVersion 获取完整版本信息
func FullVersion() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
