package store

import (
	"strconv"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	TokenLength  = 32
	InvalidToken = "invalid token"
)

// Record is persisted layout. Absent fields decode to zero values.
type Record struct {
	Auth            string `yaml:"auth"`
	Host            string `yaml:"host"`
	FirmwareVersion string `yaml:"fwver"`
	SkipCount       int    `yaml:"cfgskip"`
}

// cfgskip used to be written as string, accept both.
type recordWire struct {
	Auth            string `yaml:"auth"`
	Host            string `yaml:"host"`
	FirmwareVersion string `yaml:"fwver"`
	SkipCount       string `yaml:"cfgskip"`
}

func (r *Record) MarshalBinary() ([]byte, error) {
	w := recordWire{
		Auth:            r.Auth,
		Host:            r.Host,
		FirmwareVersion: r.FirmwareVersion,
		SkipCount:       strconv.Itoa(r.SkipCount),
	}
	b, err := yaml.Marshal(&w)
	return b, errors.Annotate(err, "record marshal")
}

func (r *Record) UnmarshalBinary(b []byte) error {
	var w recordWire
	if err := yaml.Unmarshal(b, &w); err != nil {
		return errors.Annotate(err, "record unmarshal")
	}
	skip := 0
	if w.SkipCount != "" {
		var err error
		if skip, err = strconv.Atoi(w.SkipCount); err != nil || skip < 0 {
			return errors.NotValidf("record cfgskip=%q", w.SkipCount)
		}
	}
	*r = Record{
		Auth:            w.Auth,
		Host:            w.Host,
		FirmwareVersion: w.FirmwareVersion,
		SkipCount:       skip,
	}
	return nil
}

func ValidToken(s string) bool { return len(s) == TokenLength }
