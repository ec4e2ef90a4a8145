package kvlog

import (
	"reflect"
)

// GetPointer does the same thing as fmt.Sprintf("%p", &v) but fast.
// GetPointer returns the memory address of the given value as an unsigned integer.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	uintPtr := uintptr(ptr)
	return uint(uintPtr)
}
