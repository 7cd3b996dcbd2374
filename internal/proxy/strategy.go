package proxy

// Strategy 标识 Dispatcher 为一次请求选用的处理规则。
type Strategy string

const (
	// StrategyPassthrough 不拦截，交给源站直接处理（非 GET、非 http(s)、worker 未接管）。
	StrategyPassthrough Strategy = "passthrough"
	// StrategyNavigation 优先返回缓存的导航入口文档，缺失时回源。
	StrategyNavigation Strategy = "navigation"
	// StrategyStatic 静态资源缓存优先，未命中时回源且不回写。
	StrategyStatic Strategy = "static-cache-first"
	// StrategyNetworkFirst 先回源，200 响应写入动态分区，失败时回退缓存。
	StrategyNetworkFirst Strategy = "network-first"
)

// Outcome 描述 Dispatcher 的处理结果类型。
type Outcome int

const (
	// OutcomePassthrough 表示请求未被拦截。
	OutcomePassthrough Outcome = iota
	// OutcomeRespond 表示已得到响应（来自缓存或网络）。
	OutcomeRespond
	// OutcomeNoResponse 表示所有回退路径都未能给出响应。
	OutcomeNoResponse
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassthrough:
		return "passthrough"
	case OutcomeRespond:
		return "respond"
	case OutcomeNoResponse:
		return "no_response"
	default:
		return "unknown"
	}
}

// Source 标识响应来源。
type Source string

const (
	SourceNone    Source = ""
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)
