package sdxl

import "path/filepath"

// RepairRule restores one field of a config document when it holds null.
type RepairRule struct {
	Key       string
	Default   any
	AllowNull bool
}

// DocumentRules groups the rules of a config document. Template, when set, is
// written as-is if the document does not exist.
type DocumentRules struct {
	Path     string
	Rules    []RepairRule
	Template map[string]any
}

var schedulerRules = []RepairRule{
	{Key: "num_train_timesteps", Default: 1000},
	{Key: "beta_start", Default: 0.00085},
	{Key: "beta_end", Default: 0.012},
	{Key: "beta_schedule", Default: "scaled_linear"},
	{Key: "prediction_type", Default: "epsilon"},
	{Key: "clip_sample", Default: false},
	{Key: "set_alpha_to_one", Default: false},
	{Key: "steps_offset", Default: 1},
	{Key: "timestep_spacing", Default: "leading"},
	{Key: "skip_prk_steps", Default: true},
	{Key: "use_karras_sigmas", Default: false},
	{Key: "sample_max_value", Default: 1.0},
	{Key: "trained_betas", AllowNull: true},
}

func textEncoderRules(hidden, intermediate, layers, heads int) []RepairRule {
	return []RepairRule{
		{Key: "vocab_size", Default: 49408},
		{Key: "hidden_size", Default: hidden},
		{Key: "intermediate_size", Default: intermediate},
		{Key: "num_hidden_layers", Default: layers},
		{Key: "num_attention_heads", Default: heads},
		{Key: "max_position_embeddings", Default: 77},
		{Key: "hidden_act", Default: "quick_gelu"},
		{Key: "layer_norm_eps", Default: 1e-05},
		{Key: "attention_dropout", Default: 0.0},
		{Key: "initializer_range", Default: 0.02},
		{Key: "initializer_factor", Default: 1.0},
		{Key: "pad_token_id", Default: 1},
		{Key: "bos_token_id", Default: 0},
		{Key: "eos_token_id", Default: 2},
	}
}

var unetRules = []RepairRule{
	{Key: "sample_size", Default: 128},
	{Key: "in_channels", Default: 4},
	{Key: "out_channels", Default: 4},
	{Key: "down_block_types", Default: []string{"DownBlock2D", "CrossAttnDownBlock2D", "CrossAttnDownBlock2D"}},
	{Key: "up_block_types", Default: []string{"CrossAttnUpBlock2D", "CrossAttnUpBlock2D", "UpBlock2D"}},
	{Key: "block_out_channels", Default: []int{320, 640, 1280}},
	{Key: "layers_per_block", Default: 2},
	{Key: "attention_head_dim", Default: []int{5, 10, 20}},
	{Key: "cross_attention_dim", Default: 2048},
	{Key: "norm_num_groups", Default: 32},
	{Key: "use_linear_projection", Default: true},
	{Key: "resnet_time_scale_shift", Default: "default"},
	{Key: "num_attention_heads", AllowNull: true},
	{Key: "class_embed_type", AllowNull: true},
	{Key: "num_class_embeds", AllowNull: true},
	{Key: "upcast_attention", AllowNull: true},
}

var tokenizerRules = []RepairRule{
	{Key: "model_max_length", Default: 77},
	{Key: "tokenizer_class", Default: "CLIPTokenizer"},
	{Key: "pad_token", Default: "<|endoftext|>"},
	{Key: "do_lower_case", Default: true},
	{Key: "clean_up_tokenization_spaces", Default: true},
	{Key: "errors", Default: "replace"},
}

func addedToken(content string) map[string]any {
	return map[string]any{
		"__type":      "AddedToken",
		"content":     content,
		"lstrip":      false,
		"normalized":  true,
		"rstrip":      false,
		"single_word": false,
	}
}

func tokenizerTemplate(nameOrPath string) map[string]any {
	return map[string]any{
		"add_prefix_space":             false,
		"bos_token":                    addedToken("<|startoftext|>"),
		"clean_up_tokenization_spaces": true,
		"do_lower_case":                true,
		"eos_token":                    addedToken("<|endoftext|>"),
		"errors":                       "replace",
		"model_max_length":             77,
		"name_or_path":                 nameOrPath,
		"pad_token":                    "<|endoftext|>",
		"tokenizer_class":              "CLIPTokenizer",
		"unk_token":                    addedToken("<|endoftext|>"),
	}
}

func schedulerTemplate() map[string]any {
	t := map[string]any{
		"_class_name":        "EulerDiscreteScheduler",
		"_diffusers_version": "0.21.0",
		"interpolation_type": "linear",
	}
	for _, r := range schedulerRules {
		t[r.Key] = r.Default
	}
	return t
}

// DefaultDocumentRules is the set of documents the repairer touches.
func DefaultDocumentRules() []DocumentRules {
	return []DocumentRules{
		{
			Path:     filepath.Join("scheduler", "scheduler_config.json"),
			Rules:    schedulerRules,
			Template: schedulerTemplate(),
		},
		{
			Path:  filepath.Join("text_encoder", "config.json"),
			Rules: textEncoderRules(768, 3072, 12, 12),
		},
		{
			Path:  filepath.Join("text_encoder_2", "config.json"),
			Rules: textEncoderRules(1280, 5120, 32, 20),
		},
		{
			Path:  filepath.Join("unet", "config.json"),
			Rules: unetRules,
		},
		{
			Path:     filepath.Join("tokenizer", "tokenizer_config.json"),
			Rules:    tokenizerRules,
			Template: tokenizerTemplate("openai/clip-vit-large-patch14"),
		},
		{
			Path:     filepath.Join("tokenizer_2", "tokenizer_config.json"),
			Rules:    tokenizerRules,
			Template: tokenizerTemplate("laion/CLIP-ViT-bigG-14-laion2B-39B-b160k"),
		},
	}
}

// ComponentClass is the [library, class] pair model_index.json stores per component.
type ComponentClass struct {
	Library string `yaml:"library" json:"library"`
	Class   string `yaml:"class" json:"class"`
}

// ManifestRules drives the model_index.json repair.
// Optional components are written as a disabled [null, null] pair.
type ManifestRules struct {
	Classes  map[string]ComponentClass `yaml:"classes" json:"classes"`
	Optional []string                  `yaml:"optional" json:"optional"`
}

// DefaultManifestRules covers the components of a stable diffusion XL pipeline.
func DefaultManifestRules() ManifestRules {
	return ManifestRules{
		Classes: map[string]ComponentClass{
			"text_encoder":   {Library: "transformers", Class: "CLIPTextModel"},
			"text_encoder_2": {Library: "transformers", Class: "CLIPTextModelWithProjection"},
			"tokenizer":      {Library: "transformers", Class: "CLIPTokenizer"},
			"tokenizer_2":    {Library: "transformers", Class: "CLIPTokenizer"},
			"unet":           {Library: "diffusers", Class: "UNet2DConditionModel"},
			"vae":            {Library: "diffusers", Class: "AutoencoderKL"},
			"scheduler":      {Library: "diffusers", Class: "EulerDiscreteScheduler"},
		},
		Optional: []string{"safety_checker", "feature_extractor", "image_encoder"},
	}
}

func (m ManifestRules) isOptional(name string) bool {
	for _, o := range m.Optional {
		if o == name {
			return true
		}
	}
	return false
}
