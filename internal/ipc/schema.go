package ipc

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/request.json
var requestSchema []byte

const schemaURL = "request.json"

// Validator checks requests and method params against the embedded schema.
type Validator struct {
	request *jsonschema.Schema
	params  map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(requestSchema)); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}
	req, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}

	v := &Validator{request: req, params: make(map[string]*jsonschema.Schema)}
	for _, method := range []string{MethodGetProjectStates, MethodGetProcessLiveness, MethodRegisterProject} {
		s, err := compiler.Compile(schemaURL + "#/definitions/" + method)
		if err != nil {
			return nil, fmt.Errorf("compile %s params schema: %w", method, err)
		}
		v.params[method] = s
	}
	return v, nil
}

// Request validates a raw request line.
func (v *Validator) Request(line []byte) error {
	var doc any
	if err := json.Unmarshal(line, &doc); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	return describe(v.request.Validate(doc))
}

// Params validates the params of method. Methods without a params schema
// accept anything.
func (v *Validator) Params(method string, params json.RawMessage) error {
	s, ok := v.params[method]
	if !ok {
		return nil
	}
	var doc any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &doc); err != nil {
			return fmt.Errorf("malformed params: %w", err)
		}
	}
	return describe(s.Validate(doc))
}

func describe(err error) error {
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	var msgs []string
	collectErrors(verr, &msgs)
	if len(msgs) == 0 {
		return err
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func collectErrors(err *jsonschema.ValidationError, messages *[]string) {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*messages = append(*messages, fmt.Sprintf("%s: %s", loc, err.Message))
	}
	for _, cause := range err.Causes {
		collectErrors(cause, messages)
	}
}
