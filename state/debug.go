package state

var (
	DBG_log_router bool
	DBG_log_tt     bool
	DBG_log_drop   bool
	DBG_trace      bool
	DBG_debug      bool
)

var (
	NodeConfigPath = "node.yaml"
)
