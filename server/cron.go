package server

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// Field name   | Mandatory? | Allowed values  | Allowed special characters
// ----------   | ---------- | --------------  | --------------------------
// Seconds      | Yes        | 0-59            | * / , -
// Minutes      | Yes        | 0-59            | * / , -
// Hours        | Yes        | 0-23            | * / , -
// Day of month | Yes        | 1-31            | * / , - ?
// Month        | Yes        | 1-12 or JAN-DEC | * / , -
// Day of week  | Yes        | 0-6 or SUN-SAT  | * / , - ?

const jobTimeout = 5 * time.Minute

func (s *Server) jobs() map[string]func() {
	return map[string]func(){
		//SS MI   HH  DOM MON DOW
		"  0  0    *    *   *   *": s.SweepStaleBuckets, // Every hour
		"  0  0/5  *    *   *   *": s.LogCacheStats,     // Every 5 minutes
	}
}

// SweepStaleBuckets removes buckets of other versions. Gateways sharing a
// remote store may have installed an older version after this one activated.
func (s *Server) SweepStaleBuckets() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.controller.Sweep(ctx)
	if err != nil {
		glog.Errorf("s.controller.Sweep() %+v", err)
		return
	}
	if n > 0 {
		glog.Infof("Swept %d stale buckets", n)
	}
}

// LogCacheStats logs the state of the worker in control
func (s *Server) LogCacheStats() {
	w := s.controller.Active()
	if w == nil {
		glog.Warning("No worker in control")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	st, err := w.Status(ctx)
	if err != nil {
		glog.Errorf("w.Status() %+v", err)
		return
	}

	if glog.V(1) {
		glog.Infof(
			"Worker %s is %s with %d entries, buckets %v",
			st.Version,
			st.State,
			st.Entries,
			st.Buckets,
		)
	}
}
