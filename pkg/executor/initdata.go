package executor

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// InitEnvVar carries InitializationData to subprocess executors.
const InitEnvVar = "OFFLOAD_EXECUTOR_INIT"

const initDataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["rootDirectory", "cancellationFolderName"],
  "properties": {
    "rootDirectory": {"type": "string", "minLength": 1},
    "cancellationFolderName": {"type": "string", "minLength": 1}
  }
}`

// InitializationData is shipped to the background context at startup.
type InitializationData struct {
	RootDirectory          string `json:"rootDirectory"`
	CancellationFolderName string `json:"cancellationFolderName"`
}

var compiledInitSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(initDataSchema))
})

// Validate checks the data against the startup contract schema.
func (d InitializationData) Validate() error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInitData, err)
	}

	return validateInitJSON(raw)
}

// EncodeInitData renders data for InitEnvVar.
func EncodeInitData(d InitializationData) (string, error) {
	err := d.Validate()
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode init data: %w", err)
	}

	return string(raw), nil
}

// DecodeInitData parses and validates data produced by EncodeInitData.
func DecodeInitData(raw string) (InitializationData, error) {
	if strings.TrimSpace(raw) == "" {
		return InitializationData{}, ErrMissingInitData
	}

	err := validateInitJSON([]byte(raw))
	if err != nil {
		return InitializationData{}, err
	}

	var d InitializationData

	err = json.Unmarshal([]byte(raw), &d)
	if err != nil {
		return InitializationData{}, fmt.Errorf("%w: %w", ErrInvalidInitData, err)
	}

	return d, nil
}

// readInitDataFromEnv consumes InitEnvVar. The variable is unset afterwards
// so that nothing downstream can read it a second time.
func readInitDataFromEnv() (InitializationData, error) {
	raw, ok := lookupInitEnv()
	if !ok {
		return InitializationData{}, ErrMissingInitData
	}

	_ = os.Unsetenv(InitEnvVar)

	return DecodeInitData(raw)
}

func lookupInitEnv() (string, bool) {
	return os.LookupEnv(InitEnvVar)
}

func validateInitJSON(raw []byte) error {
	schema, err := compiledInitSchema()
	if err != nil {
		return fmt.Errorf("compile init data schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInitData, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		problems = append(problems, verr.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidInitData, strings.Join(problems, "; "))
}
