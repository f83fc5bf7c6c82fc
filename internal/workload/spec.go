package workload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/requestor-go/internal/domain"
)

const (
	DefaultRuntime     = "dummy"
	DefaultCapability  = "dummy"
	DefaultImageFormat = "safetensors"
	DefaultImage       = "hash:sha3:0b682cf78786b04dc108ff0b254db1511ef820105129ad021d2e123a7b975e7c:https://huggingface.co/cointegrated/rubert-tiny2/resolve/main/model.safetensors?download=true"

	PropRuntimeName  = "golem.runtime.name"
	PropCapabilities = "golem.runtime.capabilities"
	PropModel        = "golem.!exp.ai.v1.srv.comp.ai.model"
	PropModelFormat  = "golem.!exp.ai.v1.srv.comp.ai.model-format"
)

// Spec describes what to deploy. A single Spec is shared by every instance
// of a run and must not be mutated after Build returns.
type Spec struct {
	Runtime      string
	Capabilities []string
	Image        ImageRef
	ImageFormat  string
	ScriptSteps  []StepKind
}

// NewScript returns a fresh single-use deployment script for one instance.
func (s Spec) NewScript() *Script {
	return NewScript(s.ScriptSteps...)
}

// Demand is the property/constraint view of the spec published to the market.
func (s Spec) Demand() Demand {
	return Demand{
		Properties: map[string]string{
			PropModel:       s.Image.String(),
			PropModelFormat: s.ImageFormat,
		},
		Constraints: map[string]string{
			PropRuntimeName:  s.Runtime,
			PropCapabilities: strings.Join(s.Capabilities, ","),
		},
	}
}

// Demand is what the requestor asks providers for.
type Demand struct {
	Properties  map[string]string
	Constraints map[string]string
}

// Matches reports whether an offer satisfies the demand constraints.
func (d Demand) Matches(offer domain.Offer) bool {
	if runtime := d.Constraints[PropRuntimeName]; runtime != "" && !strings.EqualFold(offer.Runtime, runtime) {
		return false
	}
	for _, capability := range strings.Split(d.Constraints[PropCapabilities], ",") {
		capability = strings.TrimSpace(capability)
		if capability == "" {
			continue
		}
		if !offer.HasCapability(capability) {
			return false
		}
	}
	return true
}

type Options struct {
	// Path points at an optional YAML override of the default descriptor.
	Path string
	// Verify streams the image from its source and checks the pinned digest.
	Verify bool
	Opener Opener
}

// File is the YAML shape of a workload override.
type File struct {
	Runtime      string   `yaml:"runtime"`
	Capabilities []string `yaml:"capabilities"`
	Image        string   `yaml:"image"`
	ImageFormat  string   `yaml:"image_format"`
}

// Build resolves the workload descriptor for this run. All failures are
// reported as *domain.ConfigurationError.
func Build(ctx context.Context, opts Options) (Spec, error) {
	raw := File{
		Runtime:      DefaultRuntime,
		Capabilities: []string{DefaultCapability},
		Image:        DefaultImage,
		ImageFormat:  DefaultImageFormat,
	}
	if path := strings.TrimSpace(opts.Path); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return Spec{}, &domain.ConfigurationError{Reason: "load workload file " + path, Err: err}
		}
		raw = mergeFileSpec(raw, loaded)
	}

	image, err := ParseImageRef(raw.Image)
	if err != nil {
		return Spec{}, &domain.ConfigurationError{Reason: "parse workload image", Err: err}
	}
	spec := Spec{
		Runtime:      strings.TrimSpace(raw.Runtime),
		Capabilities: normalizeCapabilities(raw.Capabilities),
		Image:        image,
		ImageFormat:  strings.TrimSpace(raw.ImageFormat),
		ScriptSteps:  []StepKind{StepDeploy, StepStart},
	}
	if spec.Runtime == "" {
		return Spec{}, &domain.ConfigurationError{Reason: "runtime is required"}
	}

	if opts.Verify {
		if opts.Opener == nil {
			return Spec{}, &domain.ConfigurationError{Reason: "image verification requested without a source opener"}
		}
		if err := Verify(ctx, image, opts.Opener); err != nil {
			return Spec{}, &domain.ConfigurationError{Reason: "verify workload image", Err: err}
		}
	}
	return spec, nil
}

// Load reads a YAML workload file. Missing fields keep their defaults.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return File{}, fmt.Errorf("workload file not found: %w", err)
		}
		return File{}, err
	}
	var out File
	if err := yaml.Unmarshal(data, &out); err != nil {
		return File{}, fmt.Errorf("parse workload yaml: %w", err)
	}
	return out, nil
}

func mergeFileSpec(base, override File) File {
	if strings.TrimSpace(override.Runtime) != "" {
		base.Runtime = override.Runtime
	}
	if len(override.Capabilities) > 0 {
		base.Capabilities = override.Capabilities
	}
	if strings.TrimSpace(override.Image) != "" {
		base.Image = override.Image
	}
	if strings.TrimSpace(override.ImageFormat) != "" {
		base.ImageFormat = override.ImageFormat
	}
	return base
}

func normalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
