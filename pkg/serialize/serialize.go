package serialize

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// All multi-byte values are big-endian.

func ByteSizeUUID(uuid.UUID) int {
	return 16
}

func SerializeUUID(writer *Writer, data uuid.UUID) {
	bs := writer.Next(16)
	copy(bs, data[:])
}

func DeserializeUUID(data *uuid.UUID, reader *Reader) error {
	bs, err := reader.Read(16)
	if err != nil {
		return err
	}
	copy((*data)[:], bs)
	return nil
}

func ByteSizeTime(data time.Time) int {
	return 16
}

func SerializeTime(writer *Writer, data time.Time) {

	timeUTC := data.UTC()

	seconds := timeUTC.Unix()                                      // number of seconds since Unix epoch
	nanoseconds := timeUTC.UnixNano() - seconds*int64(time.Second) // remaining nanoseconds

	SerializeUInt64(writer, uint64(seconds))
	SerializeUInt64(writer, uint64(nanoseconds))
}

func DeserializeTime(data *time.Time, reader *Reader) error {
	var seconds uint64
	var nanoseconds uint64
	err := DeserializeUInt64(&seconds, reader)
	if err != nil {
		return err
	}
	err = DeserializeUInt64(&nanoseconds, reader)
	if err != nil {
		return err
	}

	*data = time.Unix(int64(seconds), int64(nanoseconds))
	return nil
}

func ByteSizeString(data string) int {
	return 4 + len(data)
}

func SerializeString(writer *Writer, data string) {
	SerializeUInt32(writer, uint32(len(data)))
	bs := writer.Next(len(data))
	copy(bs, data)
}

func DeserializeString(data *string, reader *Reader) error {
	var length uint32
	err := DeserializeUInt32(&length, reader)
	if err != nil {
		return err
	}

	bs, err := reader.Read(int(length))
	if err != nil {
		return err
	}
	*data = string(bs)
	return nil
}

func ByteSizeBlob(data []byte) int {
	return 4 + len(data)
}

// SerializeBlob writes a u32 length prefix followed by the bytes.
func SerializeBlob(writer *Writer, data []byte) {
	SerializeUInt32(writer, uint32(len(data)))
	bs := writer.Next(len(data))
	copy(bs, data)
}

// DeserializeBlob reads a length-prefixed blob. The result is a copy.
func DeserializeBlob(data *[]byte, reader *Reader) error {
	var length uint32
	err := DeserializeUInt32(&length, reader)
	if err != nil {
		return err
	}

	bs, err := reader.Read(int(length))
	if err != nil {
		return err
	}
	*data = append([]byte(nil), bs...)
	return nil
}

// SerializeBytes writes raw bytes with no length prefix.
func SerializeBytes(writer *Writer, data []byte) {
	bs := writer.Next(len(data))
	copy(bs, data)
}

func SerializeBool(writer *Writer, data bool) {
	val := uint8(0)
	if data {
		val = 1
	}
	SerializeUInt8(writer, val)
}

func DeserializeBool(data *bool, reader *Reader) error {
	bs, err := reader.Read(1)
	if err != nil {
		return err
	}
	*data = bs[0] == 1
	return nil
}

func SerializeUInt8(writer *Writer, data uint8) {
	bs := writer.Next(1)
	bs[0] = byte(data)
}

func DeserializeUInt8(data *uint8, reader *Reader) error {
	bs, err := reader.Read(1)
	if err != nil {
		return err
	}
	*data = uint8(bs[0])
	return nil
}

func SerializeUInt16(writer *Writer, data uint16) {
	bs := writer.Next(2)
	bs[0] = byte(data >> 8)
	bs[1] = byte(data)
}

func DeserializeUInt16(data *uint16, reader *Reader) error {
	bs, err := reader.Read(2)
	if err != nil {
		return err
	}
	*data = uint16(bs[0])<<8 | uint16(bs[1])
	return nil
}

// PutUInt32 writes data big-endian into the first four bytes of bs.
func PutUInt32(bs []byte, data uint32) {
	_ = bs[3]
	bs[0] = byte(data >> 24)
	bs[1] = byte(data >> 16)
	bs[2] = byte(data >> 8)
	bs[3] = byte(data)
}

// UInt32 reads a big-endian value from the first four bytes of bs.
func UInt32(bs []byte) uint32 {
	_ = bs[3]
	return uint32(bs[0])<<24 |
		uint32(bs[1])<<16 |
		uint32(bs[2])<<8 |
		uint32(bs[3])
}

func SerializeUInt32(writer *Writer, data uint32) {
	PutUInt32(writer.Next(4), data)
}

func DeserializeUInt32(data *uint32, reader *Reader) error {
	bs, err := reader.Read(4)
	if err != nil {
		return err
	}
	*data = UInt32(bs)
	return nil
}

func SerializeUInt64(writer *Writer, data uint64) {
	bs := writer.Next(8)
	bs[0] = byte(data >> 56)
	bs[1] = byte(data >> 48)
	bs[2] = byte(data >> 40)
	bs[3] = byte(data >> 32)
	bs[4] = byte(data >> 24)
	bs[5] = byte(data >> 16)
	bs[6] = byte(data >> 8)
	bs[7] = byte(data)
}

func DeserializeUInt64(data *uint64, reader *Reader) error {
	bs, err := reader.Read(8)
	if err != nil {
		return err
	}
	*data = uint64(bs[0])<<56 |
		uint64(bs[1])<<48 |
		uint64(bs[2])<<40 |
		uint64(bs[3])<<32 |
		uint64(bs[4])<<24 |
		uint64(bs[5])<<16 |
		uint64(bs[6])<<8 |
		uint64(bs[7])
	return nil
}

func SerializeInt8(writer *Writer, data int8) {
	SerializeUInt8(writer, uint8(data))
}

func DeserializeInt8(data *int8, reader *Reader) error {
	var v uint8
	if err := DeserializeUInt8(&v, reader); err != nil {
		return err
	}
	*data = int8(v)
	return nil
}

func SerializeInt16(writer *Writer, data int16) {
	SerializeUInt16(writer, uint16(data))
}

func DeserializeInt16(data *int16, reader *Reader) error {
	var v uint16
	if err := DeserializeUInt16(&v, reader); err != nil {
		return err
	}
	*data = int16(v)
	return nil
}

func SerializeInt32(writer *Writer, data int32) {
	SerializeUInt32(writer, uint32(data))
}

func DeserializeInt32(data *int32, reader *Reader) error {
	var v uint32
	if err := DeserializeUInt32(&v, reader); err != nil {
		return err
	}
	*data = int32(v)
	return nil
}

func SerializeInt64(writer *Writer, data int64) {
	SerializeUInt64(writer, uint64(data))
}

func DeserializeInt64(data *int64, reader *Reader) error {
	var v uint64
	if err := DeserializeUInt64(&v, reader); err != nil {
		return err
	}
	*data = int64(v)
	return nil
}

func SerializeFloat32(writer *Writer, data float32) {
	SerializeUInt32(writer, math.Float32bits(data))
}

func DeserializeFloat32(data *float32, reader *Reader) error {
	var packed uint32
	err := DeserializeUInt32(&packed, reader)
	if err != nil {
		return err
	}
	*data = math.Float32frombits(packed)
	return nil
}

func SerializeFloat64(writer *Writer, data float64) {
	SerializeUInt64(writer, math.Float64bits(data))
}

func DeserializeFloat64(data *float64, reader *Reader) error {
	var packed uint64
	err := DeserializeUInt64(&packed, reader)
	if err != nil {
		return err
	}
	*data = math.Float64frombits(packed)
	return nil
}
