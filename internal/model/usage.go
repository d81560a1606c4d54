package model

// UsageMeta is the per-call metadata returned by a model runner and
// persisted verbatim in candidate_meta / baseline_meta.
type UsageMeta struct {
	Provider         string  `json:"provider"`
	RequestedModel   string  `json:"requestedModel"`
	UsedModel        string  `json:"usedModel"`
	LatencyMs        int64   `json:"latencyMs"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
	PricingVersion   string  `json:"pricingVersion"`
	RetryCount       int     `json:"retryCount"`
}

// JSON returns m as a JSONObject for storage.
func (m UsageMeta) JSON() JSONObject {
	return JSONObject{
		"provider":         m.Provider,
		"requestedModel":   m.RequestedModel,
		"usedModel":        m.UsedModel,
		"latencyMs":        float64(m.LatencyMs),
		"inputTokens":      float64(m.InputTokens),
		"outputTokens":     float64(m.OutputTokens),
		"totalTokens":      float64(m.TotalTokens),
		"estimatedCostUsd": m.EstimatedCostUSD,
		"pricingVersion":   m.PricingVersion,
		"retryCount":       float64(m.RetryCount),
	}
}

// UsageMetaFromJSON reads the numeric usage fields back from a stored meta.
// Missing fields read as zero; an {error, message} marker yields ok=false.
func UsageMetaFromJSON(o JSONObject) (UsageMeta, bool) {
	if o == nil {
		return UsageMeta{}, false
	}
	if _, isErr := o.String("error"); isErr {
		return UsageMeta{}, false
	}
	m := UsageMeta{}
	m.Provider, _ = o.String("provider")
	m.RequestedModel, _ = o.String("requestedModel")
	m.UsedModel, _ = o.String("usedModel")
	m.PricingVersion, _ = o.String("pricingVersion")
	if v, ok := o.Float("latencyMs"); ok {
		m.LatencyMs = int64(v)
	}
	if v, ok := o.Float("inputTokens"); ok {
		m.InputTokens = int64(v)
	}
	if v, ok := o.Float("outputTokens"); ok {
		m.OutputTokens = int64(v)
	}
	if v, ok := o.Float("totalTokens"); ok {
		m.TotalTokens = int64(v)
	}
	if v, ok := o.Float("estimatedCostUsd"); ok {
		m.EstimatedCostUSD = v
	}
	if v, ok := o.Float("retryCount"); ok {
		m.RetryCount = int(v)
	}
	return m, true
}
