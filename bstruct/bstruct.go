// Package bstruct converts fixed-layout structs to and from bytes.
//
// Only structs whose exported fields are fixed-size unsigned integers
// (uint8, uint16, uint32, uint64) are supported. Fields are encoded
// back to back, in declaration order, with no padding. This matches
// the layouts that the loader and generated code index into directly.
package bstruct

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"reflect"
)

var (
	// DefaultExitFn is invoked by functions ending in the "OrExit"
	// suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)

// FieldInfo describes one encoded field.
type FieldInfo struct {
	Index  int
	Name   string
	Type   string
	Offset int
	Value  []byte
}

// StructToBytesOrExit calls StructToBytes. DefaultExitFn is invoked
// if an error occurs.
func StructToBytesOrExit(s interface{}, bo binary.ByteOrder, optFn func(FieldInfo) error) []byte {
	b, err := StructToBytes(s, bo, optFn)
	if err != nil {
		DefaultExitFn(err)
	}

	return b
}

// StructToBytes encodes struct s. If optFn is non-nil, it is called
// for each field after the field is encoded.
func StructToBytes(s interface{}, bo binary.ByteOrder, optFn func(FieldInfo) error) ([]byte, error) {
	structValue, err := structOf(s)
	if err != nil {
		return nil, err
	}

	structType := structValue.Type()

	var b []byte

	for i := 0; i < structValue.NumField(); i++ {
		field := structType.Field(i)
		fieldValue := structValue.Field(i)

		at := len(b)

		switch t := fieldValue.Interface().(type) {
		case uint8:
			b = append(b, t)
		case uint16:
			b = append(b, make([]byte, 2)...)
			bo.PutUint16(b[len(b)-2:], t)
		case uint32:
			b = append(b, make([]byte, 4)...)
			bo.PutUint32(b[len(b)-4:], t)
		case uint64:
			b = append(b, make([]byte, 8)...)
			bo.PutUint64(b[len(b)-8:], t)
		default:
			return nil, fmt.Errorf("unsupported data type %T for field %q (index %d)",
				t, field.Name, i)
		}

		if optFn != nil {
			err := optFn(FieldInfo{
				Index:  i,
				Name:   field.Name,
				Type:   field.Type.String(),
				Offset: at,
				Value:  b[at:],
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return b, nil
}

// BytesToStruct decodes b into the struct pointed to by ptr.
// It returns the number of bytes consumed.
func BytesToStruct(b []byte, bo binary.ByteOrder, ptr interface{}) (int, error) {
	if ptr == nil {
		return 0, errors.New("struct pointer is nil")
	}

	ptrValue := reflect.ValueOf(ptr)
	if ptrValue.Kind() != reflect.Pointer || ptrValue.Elem().Kind() != reflect.Struct {
		return 0, fmt.Errorf("expected a pointer to a struct - got %T", ptr)
	}

	structValue := ptrValue.Elem()
	structType := structValue.Type()

	at := 0

	for i := 0; i < structValue.NumField(); i++ {
		field := structType.Field(i)
		fieldValue := structValue.Field(i)

		size, err := fieldSize(field)
		if err != nil {
			return 0, err
		}

		if len(b)-at < size {
			return 0, fmt.Errorf("need %d bytes for field %q at offset %d - only %d remain",
				size, field.Name, at, len(b)-at)
		}

		chunk := b[at : at+size]

		switch size {
		case 1:
			fieldValue.SetUint(uint64(chunk[0]))
		case 2:
			fieldValue.SetUint(uint64(bo.Uint16(chunk)))
		case 4:
			fieldValue.SetUint(uint64(bo.Uint32(chunk)))
		case 8:
			fieldValue.SetUint(bo.Uint64(chunk))
		}

		at += size
	}

	return at, nil
}

// Fields returns the layout of struct s without encoding it.
// FieldInfo.Value is left nil.
func Fields(s interface{}) ([]FieldInfo, error) {
	structValue, err := structOf(s)
	if err != nil {
		return nil, err
	}

	structType := structValue.Type()

	var fields []FieldInfo
	at := 0

	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)

		size, err := fieldSize(field)
		if err != nil {
			return nil, err
		}

		fields = append(fields, FieldInfo{
			Index:  i,
			Name:   field.Name,
			Type:   field.Type.String(),
			Offset: at,
		})

		at += size
	}

	return fields, nil
}

// Size returns the encoded size of struct s in bytes.
func Size(s interface{}) (int, error) {
	structValue, err := structOf(s)
	if err != nil {
		return 0, err
	}

	structType := structValue.Type()
	total := 0

	for i := 0; i < structType.NumField(); i++ {
		size, err := fieldSize(structType.Field(i))
		if err != nil {
			return 0, err
		}

		total += size
	}

	return total, nil
}

func structOf(s interface{}) (reflect.Value, error) {
	if s == nil {
		return reflect.Value{}, errors.New("struct is nil")
	}

	structValue := reflect.ValueOf(s)
	if structValue.Kind() == reflect.Pointer {
		structValue = structValue.Elem()
	}

	if structValue.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("expected a struct - got %T", s)
	}

	return structValue, nil
}

func fieldSize(field reflect.StructField) (int, error) {
	switch field.Type.Kind() {
	case reflect.Uint8:
		return 1, nil
	case reflect.Uint16:
		return 2, nil
	case reflect.Uint32:
		return 4, nil
	case reflect.Uint64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported data type %s for field %q",
			field.Type, field.Name)
	}
}
