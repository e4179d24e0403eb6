package transit

import "fmt"

// Reasons carried by NotFoundError.
const (
	KindService     = "service_not_found"
	KindStop        = "stop_not_found"
	KindHistory     = "no_history"
	KindDescription = "bad_service_description"
)

// NotFoundError reports reference data or history that a request depends on
// but that the store does not hold.
type NotFoundError struct {
	Kind   string
	Detail string
}

func (e *NotFoundError) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
