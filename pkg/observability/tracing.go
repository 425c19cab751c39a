package observability

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by the spans this package's middlewares start,
// so dashboards can group by a single, stable vocabulary.
var (
	AttrAggregateID   = attribute.Key("aggregate.id")
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrVersion       = attribute.Key("aggregate.version")
	AttrEventCount    = attribute.Key("event.count")
	AttrOperation     = attribute.Key("repository.operation")
	AttrSnapshotHit   = attribute.Key("snapshot.hit")
)
