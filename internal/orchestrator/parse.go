package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

var errEmptyOutput = errors.New("empty output")

// decodeObject checks that a stage outcome is a JSON object without an
// "error" key and with every required key, then decodes it into v.
func decodeObject(out script.Outcome, v any, required ...string) error {
	if !out.OK {
		return fmt.Errorf("stage failed: %s", out.Diagnostic)
	}
	text := strings.TrimSpace(out.Value)
	if text == "" {
		return errEmptyOutput
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return fmt.Errorf("not a json object: %w", err)
	}
	if obj == nil {
		return errors.New("not a json object: null")
	}
	if msg, ok := obj["error"]; ok {
		return fmt.Errorf("script error: %s", msg)
	}
	for _, key := range required {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("missing %q", key)
		}
	}

	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func parseDetermination(out script.Outcome) (state.Determination, error) {
	var d state.Determination
	if err := decodeObject(out, &d, "reason"); err != nil {
		return state.Determination{}, err
	}
	d.Raw = json.RawMessage(strings.TrimSpace(out.Value))
	return d, nil
}

func parseAutosens(out script.Outcome) (state.Autosens, error) {
	var a state.Autosens
	if err := decodeObject(out, &a, "ratio"); err != nil {
		return state.Autosens{}, err
	}
	return a, nil
}

func parseAutotune(out script.Outcome) (Autotune, error) {
	var a Autotune
	if err := decodeObject(out, &a, "basalprofile"); err != nil {
		return Autotune{}, err
	}
	a.Raw = json.RawMessage(strings.TrimSpace(out.Value))
	return a, nil
}

func parseProfile(out script.Outcome) (Profile, error) {
	var p Profile
	if err := decodeObject(out, &p, "current_basal"); err != nil {
		return Profile{}, err
	}
	p.Raw = json.RawMessage(strings.TrimSpace(out.Value))
	return p, nil
}
