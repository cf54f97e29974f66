package constants

// Static route constants
const (
	APIRoute     = "/api"
	APIV1Route   = "/api/v1"
	BillingRoute = "/api/v1/billing"
	RoomsRoute   = "/api/v1/rooms"
)
