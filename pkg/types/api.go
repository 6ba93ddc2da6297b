package types

// GenerateRequest represents a text-generation request payload.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: mistral-7b-instruct-q4
	Model string `json:"model,omitempty" example:"mistral-7b-instruct-q4"`
	// Required prompt text to continue.
	// example: who invented computers
	Prompt string `json:"prompt" example:"who invented computers"`
	// Enable sampling. When false, decoding is greedy and sampling-only
	// fields such as top_k are ignored rather than rejected.
	// example: true
	Sample bool `json:"sample,omitempty" example:"true"`
	// Top-K sampling: limit candidates to the K most likely tokens.
	// Only meaningful when sample is true.
	// example: 10
	TopK int `json:"top_k,omitempty" example:"10"`
	// Maximum number of new tokens to generate beyond the prompt.
	// Mutually exclusive with max_length.
	// example: 50
	MaxNewTokens int `json:"max_new_tokens,omitempty" example:"50"`
	// Absolute output length budget including the prompt tokens.
	// Must exceed the tokenized prompt length. Mutually exclusive with
	// max_new_tokens.
	// example: 200
	MaxLength int `json:"max_length,omitempty" example:"200"`
	// Number of independent completions to return. Defaults to 1.
	// example: 1
	NumReturnSequences int `json:"num_return_sequences,omitempty" example:"1"`
	// End-of-sequence token id. When omitted, the tokenizer's own eos id
	// is used.
	// example: 2
	EOSTokenID *int `json:"eos_token_id,omitempty" example:"2"`
	// Random seed for reproducibility; 0 or omitted lets the backend choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
}

// Completion pairs one generated text with the prompt that produced it.
type Completion struct {
	// Originating prompt.
	// example: who invented computers
	Prompt string `json:"prompt" example:"who invented computers"`
	// Decoded completion text, beginning with the prompt.
	// example: who invented computers? The first mechanical computer...
	Text string `json:"completion" example:"who invented computers? The first mechanical computer..."`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: prompt is required
	Error string `json:"error" example:"prompt is required"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// HandleStatus summarizes one loaded model handle for /status.
type HandleStatus struct {
	// ID of the model this handle serves.
	// example: mistral-7b-instruct-q4
	ModelID string `json:"model_id" example:"mistral-7b-instruct-q4"`
	// Current lifecycle state of the handle (loading, ready, draining).
	// example: ready
	State string `json:"state" example:"ready"`
	// Last time this handle served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Current queue length for admission.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight generations (0 or 1).
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Loaded model handles.
	Handles []HandleStatus `json:"handles"`
	// Quantization profile active for this process.
	Profile QuantProfile `json:"profile"`
	// Device placement policy in effect ("auto" or an explicit device).
	// example: auto
	Device string `json:"device" example:"auto"`
	// Last error observed by the hub (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of idle handles evicted.
	// example: 2
	EvictionsTotal uint64 `json:"evictions_total" example:"2"`
	// Total number of model loads.
	// example: 5
	LoadsTotal uint64 `json:"loads_total" example:"5"`
	// Total number of interrupted generations.
	// example: 1
	InterruptsTotal uint64 `json:"interrupts_total" example:"1"`
}

// UnloadRequest is the JSON body for POST /unload.
type UnloadRequest struct {
	// Model id to drain and unload.
	// example: mistral-7b-instruct-q4
	Model string `json:"model" example:"mistral-7b-instruct-q4"`
}
