package checkpoints

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint layout.
const (
	fieldVersion   protowire.Number = 1
	fieldUnits     protowire.Number = 2
	fieldOptimizer protowire.Number = 3
	fieldASREpoch  protowire.Number = 4
	fieldLMEpoch   protowire.Number = 5
	fieldBatchIdx  protowire.Number = 6
	fieldConfig    protowire.Number = 7
	fieldASRBest   protowire.Number = 8
	fieldLMBest    protowire.Number = 9
	fieldMetadata  protowire.Number = 10
)

func itoa(i int) string { return strconv.Itoa(i) }

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	return appendBytes(b, num, packed)
}

func appendFloats(b []byte, num protowire.Number, data []float32) []byte {
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendBytes(b, num, packed)
}

// appendFloatMap writes a map as repeated {1: key, 2: double} entries in key
// order so equal checkpoints encode to equal bytes.
func appendFloatMap(b []byte, num protowire.Number, m map[string]float64) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = protowire.AppendTag(entry, 2, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(m[k]))
		b = appendBytes(b, num, entry)
	}
	return b
}

func encodeWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	b = appendShape(b, 2, w.Shape)
	b = appendFloats(b, 3, w.Data)
	return b
}

func encodeUnit(u UnitState) []byte {
	var b []byte
	b = appendString(b, 1, u.Name)
	b = appendString(b, 2, u.Kind)
	b = appendBytes(b, 3, u.Spec)
	for _, w := range u.Weights {
		b = appendBytes(b, 4, encodeWeight(w))
	}
	return b
}

func encodeOptimizer(o *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, o.Type)
	b = appendFloatMap(b, 2, o.Parameters)
	for _, t := range o.StateData {
		var tb []byte
		tb = appendString(tb, 1, t.Name)
		tb = appendShape(tb, 2, t.Shape)
		tb = appendFloats(tb, 3, t.Data)
		tb = appendString(tb, 4, t.StateType)
		b = appendBytes(b, 3, tb)
	}
	return b
}

func encodeCheckpoint(c *Checkpoint) []byte {
	var b []byte
	b = appendString(b, fieldVersion, c.Version)
	for _, u := range c.Units {
		b = appendBytes(b, fieldUnits, encodeUnit(u))
	}
	if c.OptimizerState != nil {
		b = appendBytes(b, fieldOptimizer, encodeOptimizer(c.OptimizerState))
	}
	b = appendVarint(b, fieldASREpoch, uint64(c.TrainingState.ASREpoch))
	b = appendVarint(b, fieldLMEpoch, uint64(c.TrainingState.LMEpoch))
	b = appendVarint(b, fieldBatchIdx, uint64(c.TrainingState.BatchIdx))
	b = appendString(b, fieldConfig, c.Config)
	b = appendFloatMap(b, fieldASRBest, c.ASRBestValidWER)
	b = appendFloatMap(b, fieldLMBest, c.LMBestValidLoss)

	var meta []byte
	meta = appendString(meta, 1, c.Metadata.Framework)
	meta = appendVarint(meta, 2, uint64(c.Metadata.CreatedAt.UnixNano()))
	meta = appendString(meta, 3, c.Metadata.RunID)
	b = appendBytes(b, fieldMetadata, meta)
	return b
}

// fieldFunc handles one decoded field; v holds the raw bytes for length
// delimited fields and u the integer value of varint and fixed fields.
type fieldFunc func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var (
			v []byte
			u uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			u = uint64(x)
		case protowire.Fixed64Type:
			u, n = protowire.ConsumeFixed64(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
		if err := fn(num, typ, v, u); err != nil {
			return err
		}
	}
	return nil
}

func decodeShape(b []byte) ([]int, error) {
	var shape []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		shape = append(shape, int(v))
		b = b[n:]
	}
	return shape, nil
}

func decodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.New("packed float data is not a multiple of 4 bytes")
	}
	data := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = append(data, math.Float32frombits(v))
		b = b[n:]
	}
	return data, nil
}

func decodeFloatEntry(b []byte, m map[string]float64) error {
	var (
		key string
		val float64
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			key = string(v)
		case num == 2 && typ == protowire.Fixed64Type:
			val = math.Float64frombits(u)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m[key] = val
	return nil
}

func decodeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			w.Name = string(v)
		case 2:
			w.Shape, err = decodeShape(v)
		case 3:
			w.Data, err = decodeFloats(v)
		}
		return err
	})
	return w, err
}

func decodeUnit(b []byte) (UnitState, error) {
	var u UnitState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			u.Name = string(v)
		case 2:
			u.Kind = string(v)
		case 3:
			u.Spec = append([]byte(nil), v...)
		case 4:
			w, err := decodeWeight(v)
			if err != nil {
				return errors.Wrapf(err, "unit %s", u.Name)
			}
			u.Weights = append(u.Weights, w)
		}
		return nil
	})
	return u, err
}

func decodeOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: map[string]float64{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			o.Type = string(v)
		case 2:
			return decodeFloatEntry(v, o.Parameters)
		case 3:
			var t OptimizerTensor
			err := walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				var err error
				switch num {
				case 1:
					t.Name = string(v)
				case 2:
					t.Shape, err = decodeShape(v)
				case 3:
					t.Data, err = decodeFloats(v)
				case 4:
					t.StateType = string(v)
				}
				return err
			})
			if err != nil {
				return errors.Wrap(err, "optimizer state tensor")
			}
			o.StateData = append(o.StateData, t)
		}
		return nil
	})
	return o, err
}

func decodeCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{
		ASRBestValidWER: map[string]float64{},
		LMBestValidLoss: map[string]float64{},
	}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldVersion:
			c.Version = string(v)
		case fieldUnits:
			unit, err := decodeUnit(v)
			if err != nil {
				return err
			}
			c.Units = append(c.Units, unit)
		case fieldOptimizer:
			o, err := decodeOptimizer(v)
			if err != nil {
				return err
			}
			c.OptimizerState = o
		case fieldASREpoch:
			c.TrainingState.ASREpoch = int64(u)
		case fieldLMEpoch:
			c.TrainingState.LMEpoch = int64(u)
		case fieldBatchIdx:
			c.TrainingState.BatchIdx = int64(u)
		case fieldConfig:
			c.Config = string(v)
		case fieldASRBest:
			return decodeFloatEntry(v, c.ASRBestValidWER)
		case fieldLMBest:
			return decodeFloatEntry(v, c.LMBestValidLoss)
		case fieldMetadata:
			return walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
				switch num {
				case 1:
					c.Metadata.Framework = string(v)
				case 2:
					c.Metadata.CreatedAt = time.Unix(0, int64(u))
				case 3:
					c.Metadata.RunID = string(v)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
