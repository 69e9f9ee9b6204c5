package integration

import (
	"io"
	"strconv"
	"strings"
)

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func jsonBody(s string) io.Reader {
	return strings.NewReader(s)
}
