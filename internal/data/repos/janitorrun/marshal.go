package janitorrun

import (
	"encoding/json"

	"gorm.io/datatypes"

	domainrun "github.com/geoflux/coremachine/internal/domain/janitorrun"
)

func marshalActions(actions []domainrun.Action) (datatypes.JSON, error) {
	if actions == nil {
		actions = []domainrun.Action{}
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
