package metrics

import "pricefeed/logger"

// DropMetric names the reason a message or record was dropped.
type DropMetric string

const (
	DropDecode      DropMetric = "decode_error"
	DropNoSnapshot  DropMetric = "no_snapshot"
	DropSequenceGap DropMetric = "sequence_gap"
	DropCrossedBook DropMetric = "crossed_book"
	DropPublish     DropMetric = "publish_error"
	DropFunding     DropMetric = "funding_error"
)

// EmitDropMetric counts one dropped item. Empty exchange or symbol values are
// left out of the metric fields.
func EmitDropMetric(log *logger.Log, reason DropMetric, connector, exchange, symbol string) {
	incDropped(connector, string(reason))

	fields := logger.Fields{"connector": connector, "reason": string(reason)}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	EmitMetric(log, "drops", "records_dropped", 1, TypeCounter, fields)
}
