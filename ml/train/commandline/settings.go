/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/gomlx/paramserver/ml/params"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in `p`. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates `p` accordingly, and returns an error in case a parameter
// is unknown or the parsing failed.
//
// Lists ([]int, []float64 and []string) are given as comma-separated values.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// Example usage:
//
//	func main() {
//		p := params.Defaults()
//		settings := commandline.CreateSettingsFlag(p, "")
//		flag.Parse()
//		err := commandline.ParseSettings(p, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintSettings(p))
//		...
//	}
func ParseSettings(p *params.Params, settings string) error {
	settingsList := strings.Split(settings, ";")
	for _, setting := range settingsList {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		parts := strings.Split(setting, "=")
		if len(parts) != 2 {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
				settings, setting)
		}
		key, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		value, found := p.Get(key)
		if !found {
			return errors.Errorf("can't set parameter %q because it has no default value", key)
		}

		// Parse value accordingly.
		var err error
		switch v := value.(type) {
		case int:
			err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
			value = v
		case int32:
			err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
			value = v
		case int64:
			err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
			value = v
		case float64:
			err = json.Unmarshal([]byte(valueStr), &v)
			value = v
		case float32:
			err = json.Unmarshal([]byte(valueStr), &v)
			value = v
		case bool:
			err = json.Unmarshal([]byte(valueStr), &v)
			value = v
		case string:
			value = valueStr
		case []int:
			value, err = parseList[int](valueStr, true)
		case []float64:
			value, err = parseList[float64](valueStr, false)
		case []string:
			value = strings.Split(valueStr, ",")
		default:
			err = fmt.Errorf("don't know how to parse type %T for setting parameter %q",
				value, setting)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, key, value)
		}
		p.Set(key, value)
	}
	return nil
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the current defined parameters in `p`.
//
// The flag should be created before the call to `flags.Parse()`. See example in ParseSettings.
func CreateSettingsFlag(p *params.Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts,
		`Set hyperparameters. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Current available parameters that can be set:`)
	p.Enumerate(func(key string, value any) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintSettings pretty-print values for the current hyperparameters settings into a string.
func SprintSettings(p *params.Params) string {
	var parts []string
	parts = append(parts, "Hyperparameters:")
	p.Enumerate(func(key string, value any) {
		parts = append(parts, fmt.Sprintf("%q: (%T) %v", key, value, value))
	})
	return strings.Join(parts, "\n\t")
}

// parseList parses a comma-separated list of values.
func parseList[T int | float64](valueStr string, isInt bool) ([]T, error) {
	if valueStr == "" {
		return []T{}, nil
	}
	parts := strings.Split(valueStr, ",")
	values := make([]T, len(parts))
	for ii, part := range parts {
		part = strings.TrimSpace(part)
		if isInt {
			part = strings.ReplaceAll(part, "_", "")
		}
		if err := json.Unmarshal([]byte(part), &values[ii]); err != nil {
			return nil, errors.Wrapf(err, "element #%d (%q) of list", ii, part)
		}
	}
	return values, nil
}
