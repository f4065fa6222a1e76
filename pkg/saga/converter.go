// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"encoding/json"
	"fmt"
	"sync"
)

// SagaDataFactory produces a fresh, empty instance of a registered payload
// type for the converter to decode into.
type SagaDataFactory func() SagaData

var (
	dataTypesMu sync.RWMutex
	dataTypes   = make(map[string]SagaDataFactory)
)

// BindSagaDataType registers a payload type by name. Every process that
// wants to resume sagas of this payload type must register the same name,
// typically from an init function next to the type. Registering a name twice
// panics, since that is always a wiring bug.
func BindSagaDataType(name string, factory SagaDataFactory) {
	if name == "" || factory == nil {
		panic("saga: BindSagaDataType requires a name and a factory")
	}
	dataTypesMu.Lock()
	defer dataTypesMu.Unlock()
	if _, exists := dataTypes[name]; exists {
		panic(fmt.Sprintf("saga: data type %q already registered", name))
	}
	dataTypes[name] = factory
}

// resolveSagaDataType returns the registered factory for name.
func resolveSagaDataType(name string) (SagaDataFactory, bool) {
	dataTypesMu.RLock()
	defer dataTypesMu.RUnlock()
	f, ok := dataTypes[name]
	return f, ok
}

// sagaDataEnvelope is the wire form of a payload snapshot. The embedded type
// name makes snapshots self-describing, so a worker process can reconstruct
// a payload it has never held in memory.
type sagaDataEnvelope struct {
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// JSONDataConverter serializes saga payloads as a JSON envelope of the form
// {"dataType": name, "data": payload}.
type JSONDataConverter struct{}

// NewJSONDataConverter creates a JSONDataConverter.
func NewJSONDataConverter() *JSONDataConverter {
	return &JSONDataConverter{}
}

// Serialize encodes data into a self-describing snapshot.
func (c *JSONDataConverter) Serialize(data SagaData) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("serialize saga data: nil payload")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("serialize saga data %q: %w", data.TypeName(), err)
	}
	return json.Marshal(sagaDataEnvelope{DataType: data.TypeName(), Data: payload})
}

// Deserialize decodes a snapshot produced by Serialize. The snapshot's type
// name must be registered via BindSagaDataType; unknown names return
// ErrUnknownDataType.
func (c *JSONDataConverter) Deserialize(raw []byte) (SagaData, error) {
	var env sagaDataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("deserialize saga data: %w", err)
	}
	factory, ok := resolveSagaDataType(env.DataType)
	if !ok {
		return nil, fmt.Errorf("deserialize saga data %q: %w", env.DataType, ErrUnknownDataType)
	}
	data := factory()
	if err := json.Unmarshal(env.Data, data); err != nil {
		return nil, fmt.Errorf("deserialize saga data %q: %w", env.DataType, err)
	}
	return data, nil
}
