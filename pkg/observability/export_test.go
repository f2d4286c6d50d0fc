package observability

// Internals reached by the external test package.
var (
	BuildResource = buildResource
	SelectSampler = selectSampler
)
