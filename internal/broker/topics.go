// ABOUTME: Topic name generation from the configured environment prefix
// ABOUTME: One fixed topic per agent plus its subscription name

package broker

import "fmt"

// Subscription names, one per agent topic.
const (
	SyncSubscription          = "sync-response-sub"
	ConsentSearchSubscription = "consent-search-sub"
	BrandSearchSubscription   = "brand-search-sub"
	StatusReportSubscription  = "status-report-sub"
)

// Set is the fixed set of topics the daemon consumes. Every topic in the
// set is tracked by the shutdown drain condition.
type Set struct {
	Sync          Topic
	ConsentSearch Topic
	BrandSearch   Topic
	StatusReport  Topic
}

// Topics derives the topic set from the environment prefix.
func Topics(prefix string) Set {
	return Set{
		Sync:          Topic{Name: fmt.Sprintf("%s.sync", prefix), Subscription: SyncSubscription},
		ConsentSearch: Topic{Name: fmt.Sprintf("%s.consent-search", prefix), Subscription: ConsentSearchSubscription},
		BrandSearch:   Topic{Name: fmt.Sprintf("%s.brand-search", prefix), Subscription: BrandSearchSubscription},
		StatusReport:  Topic{Name: fmt.Sprintf("%s.status-report", prefix), Subscription: StatusReportSubscription},
	}
}

// All returns the topics in a stable order for iteration by the agent pool
// manager and the drain loop.
func (s Set) All() []Topic {
	return []Topic{s.Sync, s.ConsentSearch, s.BrandSearch, s.StatusReport}
}
