package wal

import (
	"fmt"

	"github.com/golang/snappy"
)

// codec transforms payloads between their logical and stored form.
type codec interface {
	name() string
	encode(data []byte) []byte
	decode(stored []byte) ([]byte, error)
}

type plainCodec struct{}

func (plainCodec) name() string                      { return "plain" }
func (plainCodec) encode(data []byte) []byte         { return data }
func (plainCodec) decode(stored []byte) ([]byte, error) { return stored, nil }

type snappyCodec struct{}

func (snappyCodec) name() string { return "snappy" }

func (snappyCodec) encode(data []byte) []byte {
	return snappy.Encode(nil, data)
}

func (snappyCodec) decode(stored []byte) ([]byte, error) {
	data, err := snappy.Decode(nil, stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress WAL entry: %w", err)
	}
	return data, nil
}
