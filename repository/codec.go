/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package repository

import (
	"bytes"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dapr/tcc-coordinator/transaction"
)

// Codec serializes transaction records for backends that store opaque bytes.
type Codec interface {
	Name() string
	Marshal(tx *transaction.Transaction) ([]byte, error)
	Unmarshal(data []byte) (*transaction.Transaction, error)
}

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// NewCodec returns the codec registered under name. An empty name selects JSON.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", CodecJSON:
		return jsonCodec{}, nil
	case CodecMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown transaction codec: %s", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Marshal(tx *transaction.Transaction) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(tx)
}

func (jsonCodec) Unmarshal(data []byte) (*transaction.Transaction, error) {
	tx := &transaction.Transaction{}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgpack }

func (msgpackCodec) Marshal(tx *transaction.Transaction) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(tx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte) (*transaction.Transaction, error) {
	tx := &transaction.Transaction{}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(tx); err != nil {
		return nil, err
	}
	return tx, nil
}
