package clix

import (
	"fmt"
	"github.com/urfave/cli/v2"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// field is a struct field tagged with `cli:"name"`. Optional tags are `usage:"..."`, `value:"..."`
// for the default and `required:"true"`.
type field struct {
	name     string
	usage    string
	value    string
	required bool
	index    []int
	typ      reflect.Type
}

func fields(t reflect.Type, index []int) []field {
	var fs []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		idx := append(append([]int(nil), index...), i)

		name := sf.Tag.Get("cli")
		if name == "" && sf.Type.Kind() == reflect.Struct && (sf.Anonymous || sf.IsExported()) {
			fs = append(fs, fields(sf.Type, idx)...)
			continue
		}
		if name == "" || !sf.IsExported() {
			continue
		}
		fs = append(fs, field{
			name:     name,
			usage:    sf.Tag.Get("usage"),
			value:    sf.Tag.Get("value"),
			required: sf.Tag.Get("required") == "true",
			index:    idx,
			typ:      sf.Type,
		})
	}
	return fs
}

// Flags derives the cli flags of a struct, nested untagged structs are flattened
func Flags[A any]() []cli.Flag {
	var a A
	var flags []cli.Flag
	for _, f := range fields(reflect.TypeOf(a), nil) {
		flags = append(flags, f.flag())
	}
	return flags
}

func (f field) flag() cli.Flag {
	switch {
	case f.typ == durationType:
		d, _ := time.ParseDuration(f.value)
		return &cli.DurationFlag{Name: f.name, Usage: f.usage, Required: f.required, Value: d}
	case f.typ.Kind() == reflect.Bool:
		b, _ := strconv.ParseBool(f.value)
		return &cli.BoolFlag{Name: f.name, Usage: f.usage, Required: f.required, Value: b}
	case f.typ.Kind() == reflect.Int, f.typ.Kind() == reflect.Int64:
		i, _ := strconv.ParseInt(f.value, 10, 64)
		return &cli.Int64Flag{Name: f.name, Usage: f.usage, Required: f.required, Value: i}
	case f.typ.Kind() == reflect.Float64:
		v, _ := strconv.ParseFloat(f.value, 64)
		return &cli.Float64Flag{Name: f.name, Usage: f.usage, Required: f.required, Value: v}
	case f.typ.Kind() == reflect.Slice && f.typ.Elem().Kind() == reflect.String:
		var def *cli.StringSlice
		if f.value != "" {
			def = cli.NewStringSlice(strings.Split(f.value, ",")...)
		}
		return &cli.StringSliceFlag{Name: f.name, Usage: f.usage, Required: f.required, Value: def}
	}
	return &cli.StringFlag{Name: f.name, Usage: f.usage, Required: f.required, Value: f.value}
}

// Parse reads the flags of c into a struct tagged as for Flags
func Parse[A any](c *cli.Context) A {
	var a A
	val := reflect.ValueOf(&a).Elem()
	for _, f := range fields(val.Type(), nil) {
		if err := f.assign(c, val.FieldByIndex(f.index)); err != nil {
			panic(err)
		}
	}
	return a
}

func (f field) assign(c *cli.Context, v reflect.Value) error {
	if f.typ == durationType {
		v.SetInt(int64(c.Duration(f.name)))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(c.String(f.name))
	case reflect.Bool:
		v.SetBool(c.Bool(f.name))
	case reflect.Int, reflect.Int64:
		v.SetInt(c.Int64(f.name))
	case reflect.Float64:
		v.SetFloat(c.Float64(f.name))
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("clix: unsupported slice type %s of flag %s", v.Type(), f.name)
		}
		strs := c.StringSlice(f.name)
		s := reflect.MakeSlice(v.Type(), len(strs), len(strs))
		for i, str := range strs {
			s.Index(i).SetString(str)
		}
		v.Set(s)
	default:
		return fmt.Errorf("clix: unsupported type %s of flag %s", v.Type(), f.name)
	}
	return nil
}
