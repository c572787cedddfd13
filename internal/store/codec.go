package store

import "github.com/vmihailenco/msgpack/v5"

func msgpackMarshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func msgpackUnmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
