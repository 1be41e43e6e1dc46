package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ParseErrNoBlock is reported when no structured-output block was found.
const ParseErrNoBlock = "no_yaml_block"

// anchorKeyRe matches a line that starts one of the anchor keys agents
// use to mark their structured-output block.
var anchorKeyRe = regexp.MustCompile(`(?m)^(result|verdict|story_file)\s*:`)

var fenceRe = regexp.MustCompile("^```")

// ExtractStructured locates and parses the structured key/value block in
// an agent's stdout. Order of preference: the last fenced code block
// containing an anchor key, else the first unfenced anchored region
// running to end of output. Returns the parsed map, or nil plus a parse
// error string.
func ExtractStructured(stdout string, schema *jsonschema.Schema) (map[string]any, string) {
	block, ok := findBlock(stdout)
	if !ok {
		return nil, ParseErrNoBlock
	}

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(block), &parsed); err != nil {
		return nil, fmt.Sprintf("yaml parse error: %v", err)
	}
	if parsed == nil {
		return nil, ParseErrNoBlock
	}

	if schema != nil {
		// Round-trip so the validator sees canonical JSON value types.
		raw, err := json.Marshal(parsed)
		if err != nil {
			return nil, fmt.Sprintf("output not representable as JSON: %v", err)
		}
		var normalized any
		if err := json.Unmarshal(raw, &normalized); err != nil {
			return nil, fmt.Sprintf("output not representable as JSON: %v", err)
		}
		if err := schema.Validate(normalized); err != nil {
			return nil, fmt.Sprintf("output schema mismatch: %v", err)
		}
	}
	return parsed, ""
}

// findBlock returns the candidate block text.
func findBlock(stdout string) (string, bool) {
	lines := strings.Split(stdout, "\n")

	// Pass 1: fenced blocks, last anchored one wins.
	var blocks []string
	var current []string
	inFence := false
	for _, line := range lines {
		if fenceRe.MatchString(line) {
			if inFence {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			inFence = !inFence
			continue
		}
		if inFence {
			current = append(current, line)
		}
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		if anchorKeyRe.MatchString(blocks[i]) {
			return blocks[i], true
		}
	}

	// Pass 2: first unfenced anchored line, extending to end of output.
	inFence = false
	for i, line := range lines {
		if fenceRe.MatchString(line) {
			inFence = !inFence
			continue
		}
		if !inFence && anchorKeyRe.MatchString(line) {
			return strings.Join(lines[i:], "\n"), true
		}
	}
	return "", false
}

// estimateTokens is the dispatcher's length/4 approximation, used for
// rate-limit accounting only.
func estimateTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}
