// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package intercept

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/forkbombeu/avdcapture/internal/fault"
	"github.com/forkbombeu/avdcapture/internal/record"
)

// Keys read from the device_register request body, in record order.
var Keys = []string{"device_id_str", "new_user", "install_id_str"}

var patterns = map[string]*regexp.Regexp{}

func init() {
	for _, k := range Keys {
		patterns[k] = fieldPattern(k)
	}
}

func fieldPattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`"` + regexp.QuoteMeta(key) + `":\s*"?(\d+)"?`)
}

// ExtractField finds `"key": "123"` or `"key": 123` in text and returns the digits.
func ExtractField(text, key string) (string, bool) {
	re, ok := patterns[key]
	if !ok {
		re = fieldPattern(key)
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Assemble builds a record from the extracted values. Any missing key is a
// data integrity failure and no partial record is returned.
func Assemble(values map[string]string) (record.DeviceRegisterEvent, error) {
	var missing []string
	for _, k := range Keys {
		if values[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return record.DeviceRegisterEvent{}, fault.DataIntegrity("failed to extract %s", strings.Join(missing, ", "))
	}
	newUser, err := strconv.Atoi(values["new_user"])
	if err != nil {
		return record.DeviceRegisterEvent{}, fault.DataIntegrity("new_user %q is not an integer", values["new_user"])
	}
	return record.DeviceRegisterEvent{
		DeviceIDStr:  values["device_id_str"],
		NewUser:      newUser,
		InstallIDStr: values["install_id_str"],
	}, nil
}
