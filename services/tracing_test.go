package services

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// assert fails the test if the condition is false.
func assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	if !condition {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: "+msg+"\033[39m\n\n", append([]interface{}{filepath.Base(file), line}, v...)...)
		tb.FailNow()
	}
}

func TestSafePayload(t *testing.T) {
	largePayload := strings.Repeat("loremipsumdolor", 5000)
	result := SafePayload(largePayload)
	assert(t, (result[len(result)-10:] == "ipsumdolor"), "")

	smallPayload := strings.Repeat("loremipsumdolor", 10)
	result = SafePayload(smallPayload)
	assert(t, (result == smallPayload), "")
}
