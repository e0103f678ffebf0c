package runs

import "time"

// Stats 聚合了运行状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int       `json:"total"`
	Pending         int       `json:"pending"`
	Running         int       `json:"running"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Evicted         int       `json:"evicted"`
	OldestUpdatedAt time.Time `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt time.Time `json:"newest_updated_at,omitempty"`
}
