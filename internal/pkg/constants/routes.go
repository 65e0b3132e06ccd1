package constants

// Route constants shared by the router, the app and the API docs.
const (
	APIPrefix          = "/api"
	APIV1Prefix        = "/v1"
	WebhooksPrefix     = "/webhooks"
	MercadoPagoWebhook = "/mercadopago"
	DocsBasePath       = "/docs/api/"
	MetricsRoute       = "/metrics"
)
