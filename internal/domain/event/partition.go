package event

// PartitionKey isolates correlation state per stream subset
type PartitionKey string

const (
	// AllPartition is used when a rule has no query_key
	AllPartition PartitionKey = "all"
	// MissingPartition collects events that lack the query_key field
	MissingPartition PartitionKey = "_missing"
)

// KeyFor derives the partition key of an event for the given query_key path
func KeyFor(e Event, queryKey FieldPath) PartitionKey {
	if queryKey.IsZero() {
		return AllPartition
	}
	v, ok := e.Lookup(queryKey)
	if !ok {
		return MissingPartition
	}
	return PartitionKey(Stringify(v))
}

func (k PartitionKey) String() string {
	return string(k)
}
