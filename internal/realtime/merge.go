package realtime

import (
	"log/slog"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// Merge concatenates the stored feed of every handler under one header whose
// timestamp is the newest of the inputs. Handlers that never produced a new
// feed are skipped with a warning.
func Merge(handlers []*FeedHandler, logger *slog.Logger) *gtfs.FeedMessage {
	header := &gtfs.FeedHeader{
		GtfsRealtimeVersion: proto.String("2.0"),
		Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
	}
	merged := &gtfs.FeedMessage{Header: header}

	var newest uint64
	for _, h := range handlers {
		feed := h.Feed()
		if feed == nil {
			logger.Warn("no stored feed to merge", "feed", h.ID())
			continue
		}
		newest = max(newest, feed.GetHeader().GetTimestamp())
		merged.Entity = append(merged.Entity, feed.GetEntity()...)
	}
	header.Timestamp = proto.Uint64(newest)
	return merged
}
