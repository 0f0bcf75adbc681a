package blocker

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateOutputContract checks value against the JSON Schema in schema,
// returning a MISSING_REQUIRED_OUTPUT blocker if value is nil, or an
// INVALID_REQUIRED_OUTPUT blocker per schema validation failure.
func ValidateOutputContract(contractName string, schema map[string]any, value any) []Blocker {
	if value == nil {
		return []Blocker{New(
			CodeMissingRequiredOutput,
			Pointer{Kind: PointerOutputContract, Payload: contractName},
			fmt.Sprintf("output contract %q requires a value but none was submitted", contractName),
			"submit an output matching the contract's schema",
		)}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	docLoader := gojsonschema.NewGoLoader(value)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return []Blocker{New(
			CodeInvalidRequiredOutput,
			Pointer{Kind: PointerOutputContract, Payload: contractName},
			fmt.Sprintf("output contract %q schema could not be evaluated: %v", contractName, err),
			"",
		)}
	}
	if result.Valid() {
		return nil
	}

	var blockers []Blocker
	for _, re := range result.Errors() {
		blockers = append(blockers, New(
			CodeInvalidRequiredOutput,
			Pointer{Kind: PointerOutputContract, Payload: contractName + ":" + re.Field()},
			re.Description(),
			"",
		))
	}
	return blockers
}
