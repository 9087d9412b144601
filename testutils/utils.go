package testutils

import (
	"fmt"
	"runtime"
	"testing"
)

func ErrorHere(test testing.TB, str string, args ...interface{}) {
	test.Helper()
	_, file, line, _ := runtime.Caller(1)
	info := fmt.Sprintf("[%s:%d] ", file, line)
	test.Errorf(info+str, args...)
}

func FatalHere(test testing.TB, str string, args ...interface{}) {
	test.Helper()
	_, file, line, _ := runtime.Caller(1)
	info := fmt.Sprintf("[%s:%d] ", file, line)
	test.Fatalf(info+str, args...)
}

// Pattern returns n bytes of a repeating, position-dependent pattern.
func Pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
