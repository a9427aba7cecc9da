package broker

import (
	"encoding/json"

	"github.com/c360/drivebus/errors"
)

// Token is the routing message published per ingested batch. It does not
// carry frame data. Consumers use BatchID to read the frames back from the
// store and StepName to restore the text the wire hash cannot.
type Token struct {
	BatchID  int64  `json:"batch_id"`
	StepHash uint32 `json:"step_hash"`
	StepName string `json:"step_name"`
}

// Marshal encodes the token for the wire.
func (t Token) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Token", "Marshal", "encode token")
	}
	return data, nil
}

// UnmarshalToken decodes a wire token.
func UnmarshalToken(data []byte) (Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return t, errors.WrapInvalid(err, "Token", "UnmarshalToken", "decode token")
	}
	return t, nil
}
