package sys

import "time"

// ServiceDB is the name the persistence service registers under.
const ServiceDB = "ServiceDB"

// Query is a request to the persistence service. Its interpretation
// belongs to that service.
type Query struct {
	Table  string
	Op     string
	Record map[string]any
	Filter map[string]any
}

// QueryResult is the payload of a successful Query response.
type QueryResult struct {
	Records  []map[string]any
	Affected int
}

// Query sends q to ServiceDB and waits for its result.
func (s *Service) Query(q Query, timeout time.Duration) (*QueryResult, error) {
	return Call[*QueryResult](s, q, ServiceDB, timeout)
}
