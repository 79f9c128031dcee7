package metrics

import "pricefeed/logger"

// ConnectorStats is a periodic snapshot of one connector.
type ConnectorStats struct {
	Connector    string
	State        string
	Messages     int64
	Published    int64
	PublishFails int64
	DecodeErrors int64
	Gaps         int64
	RetryCount   int
}

// ReportConnector logs the snapshot and emits its counters.
func ReportConnector(log *logger.Log, stats ConnectorStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{"connector": stats.Connector}
	EmitMetric(log, "connector", "messages_received", stats.Messages, TypeCounter, fields)
	EmitMetric(log, "connector", "records_published", stats.Published, TypeCounter, fields)
	EmitMetric(log, "connector", "publish_errors", stats.PublishFails, TypeCounter, fields)

	entry := log.WithComponent("connector").WithFields(logger.Fields{
		"connector":     stats.Connector,
		"state":         stats.State,
		"messages":      stats.Messages,
		"published":     stats.Published,
		"publish_fails": stats.PublishFails,
		"decode_errors": stats.DecodeErrors,
		"gaps":          stats.Gaps,
		"retry_count":   stats.RetryCount,
	})

	if stats.PublishFails > 0 || stats.RetryCount > 0 {
		entry.Warn("connector metrics")
		return
	}
	entry.Info("connector metrics")
}
