package common

const (
	ComponentRunner        = "runner"
	ComponentRPC           = "rpc"
	ComponentPool          = "connection-pool"
	ComponentDictionary    = "dictionary"
	ComponentDispatcher    = "dispatcher"
	ComponentArchive       = "archive"
	ComponentUnfinalized   = "unfinalized-tracker"
	ComponentSyncManager   = "sync-manager"
	ComponentBlockStore    = "block-store"
	ComponentProcessor     = "processor"
	ComponentMetricsServer = "metrics-server"
)

var AllComponents = map[string]struct{}{
	ComponentRunner:        {},
	ComponentRPC:           {},
	ComponentPool:          {},
	ComponentDictionary:    {},
	ComponentDispatcher:    {},
	ComponentArchive:       {},
	ComponentUnfinalized:   {},
	ComponentSyncManager:   {},
	ComponentBlockStore:    {},
	ComponentProcessor:     {},
	ComponentMetricsServer: {},
}
