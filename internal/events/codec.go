package events

import (
	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}
