package types

// Model represents a discoverable or loadable causal LM on disk.
type Model struct {
	// Stable identifier for the model.
	// example: mistral-7b-instruct-q4
	ID string `json:"id" example:"mistral-7b-instruct-q4"`
	// Human-friendly name.
	// example: Mistral 7B Instruct (Q4)
	Name string `json:"name" example:"Mistral 7B Instruct (Q4)"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/mistral-7b-instruct.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/mistral-7b-instruct.Q4_K_M.gguf"`
	// Quantization level or variant string derived from the filename.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Optional family (e.g., llama, mistral, falcon).
	// example: mistral
	Family string `json:"family,omitempty" example:"mistral"`
}

// QuantProfile describes how model weights are quantized at load time.
// It is fixed once a generator has been loaded with it; changing the
// profile requires reloading the model.
type QuantProfile struct {
	// Quantization bit width. Only 4 and 8 are accepted.
	// example: 4
	Bits int `json:"bits" yaml:"bits" toml:"bits" example:"4"`
	// Compute data type used during the forward pass.
	// example: bfloat16
	ComputeDType string `json:"compute_dtype" yaml:"compute_dtype" toml:"compute_dtype" example:"bfloat16"`
	// Quantization scheme tag.
	// example: nf4
	QuantType string `json:"quant_type" yaml:"quant_type" toml:"quant_type" example:"nf4"`
	// Whether quantization constants are themselves quantized.
	// example: true
	DoubleQuant bool `json:"double_quant" yaml:"double_quant" toml:"double_quant" example:"true"`
}
