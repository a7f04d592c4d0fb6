package buffer_pool

// PageState 页面加载状态
//
//	Unloaded -> Loading -> Loaded
//	                    \-> Failed
//
// 新建页面(CreatePage)直接进入 Loaded。Failed 是终态：后续获取者立即得到同一个错误，
// 直到页面无人引用后被淘汰。
type PageState uint8

// 首次查找块号时创建，尚未发出读请求
const PageUnloaded PageState = 1

// 已向块存储发出异步读请求，DataReady 尚未触发
const PageLoading PageState = 2

// 数据已就绪，缓冲区长度等于块大小
const PageLoaded PageState = 3

// 块存储读失败，所有等待 DataReady 的获取者都会收到 BlockStoreFailure
const PageFailed PageState = 4

func (s PageState) String() string {
	switch s {
	case PageUnloaded:
		return "unloaded"
	case PageLoading:
		return "loading"
	case PageLoaded:
		return "loaded"
	case PageFailed:
		return "failed"
	default:
		return "unknown"
	}
}
