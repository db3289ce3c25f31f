package drivers

import (
	"encoding/json"

	"github.com/forgecore/hmrcore/internal/liveconfig"
)

// JSONConfigParser is the default structured-config parser driver
// (§6: "parse_json(bytes) -> tree | parse_error"). It implements
// liveconfig.Parser with stdlib encoding/json — justified: parsing into
// the tree's own map[string]interface{}/[]interface{} shape is exactly
// what encoding/json does natively, and no library in the retrieved
// corpus offers a parser producing a comparable dynamically-typed tree
// (the corpus's JSON handling is all struct-targeted, e.g. viper's
// mapstructure decode in internal/config).
type JSONConfigParser struct{}

func (JSONConfigParser) Parse(data []byte) (liveconfig.Tree, error) {
	var tree liveconfig.Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}
