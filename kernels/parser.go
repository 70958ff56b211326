package kernels

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// The textual kernel-specification mini-language: a header line
//
//	#kernel <name> : <comma-separated-param-kinds> : <pipe-separated-flags>
//
// followed by the kernel source. Parameter kind tokens are "pointer",
// "signed-size", "unsigned-size" or a scalar dtype tag ("float32", "int64",
// ...). Flag tokens are "double", "half" and "small"; the flags field may be
// empty. Everything after the header line is the kernel source, verbatim.

// HeaderPrefix starts the header line of an annotated kernel source.
const HeaderPrefix = "#kernel"

// scalarTokens maps the scalar dtype tags of the mini-language.
var scalarTokens = map[string]dtypes.DType{
	"bool":    dtypes.Bool,
	"int8":    dtypes.Int8,
	"int16":   dtypes.Int16,
	"int32":   dtypes.Int32,
	"int64":   dtypes.Int64,
	"uint8":   dtypes.Uint8,
	"uint16":  dtypes.Uint16,
	"uint32":  dtypes.Uint32,
	"uint64":  dtypes.Uint64,
	"float16": dtypes.Float16,
	"float32": dtypes.Float32,
	"float64": dtypes.Float64,
}

// HasHeader returns whether the source text carries a "#kernel" annotation
// header as its first line.
func HasHeader(source string) bool {
	return strings.HasPrefix(source, HeaderPrefix)
}

// ParseSpec parses an annotated kernel source into a Spec. It fails with
// ErrSpecSyntax on a malformed header: wrong field count, unknown parameter
// kind token or unknown flag token.
func ParseSpec(text string) (Spec, error) {
	header, source, _ := strings.Cut(text, "\n")
	if !strings.HasPrefix(header, HeaderPrefix) {
		return Spec{}, errors.Wrapf(ErrSpecSyntax, "first line must start with %q, got %q", HeaderPrefix, header)
	}
	fields := strings.Split(header[len(HeaderPrefix):], ":")
	if len(fields) != 3 {
		return Spec{}, errors.Wrapf(ErrSpecSyntax,
			"header needs 3 ':'-separated fields (name, params, flags), got %d in %q", len(fields), header)
	}

	entry := strings.TrimSpace(fields[0])
	if entry == "" || strings.ContainsAny(entry, " \t") {
		return Spec{}, errors.Wrapf(ErrSpecSyntax, "invalid kernel name %q", entry)
	}

	params, err := parseParamTokens(fields[1])
	if err != nil {
		return Spec{}, err
	}
	flags, err := parseFlagTokens(fields[2])
	if err != nil {
		return Spec{}, err
	}

	return Spec{
		Source: source,
		Entry:  entry,
		Params: params,
		Flags:  flags,
	}, nil
}

// parseParamTokens parses the comma-separated parameter kinds field.
// An empty field means a kernel taking no parameters.
func parseParamTokens(field string) ([]ParamSpec, error) {
	if strings.TrimSpace(field) == "" {
		return nil, nil
	}
	tokens := strings.Split(field, ",")
	params := make([]ParamSpec, 0, len(tokens))
	for _, token := range tokens {
		param, err := parseParamToken(strings.TrimSpace(token))
		if err != nil {
			return nil, err
		}
		params = append(params, param)
	}
	return params, nil
}

func parseParamToken(token string) (ParamSpec, error) {
	switch token {
	case "pointer":
		return ParamSpec{Kind: KindPointer}, nil
	case "signed-size":
		return ParamSpec{Kind: KindSignedSize}, nil
	case "unsigned-size":
		return ParamSpec{Kind: KindUnsignedSize}, nil
	}
	if dtype, found := scalarTokens[token]; found {
		return ParamSpec{Kind: KindScalar, DType: dtype}, nil
	}
	return ParamSpec{}, errors.Wrapf(ErrSpecSyntax, "unknown parameter kind token %q", token)
}

// parseFlagTokens parses the pipe-separated flags field. An empty field means
// no flags.
func parseFlagTokens(field string) (FlagSet, error) {
	var flags FlagSet
	if strings.TrimSpace(field) == "" {
		return flags, nil
	}
	for _, token := range strings.Split(field, "|") {
		token = strings.TrimSpace(token)
		found := false
		for _, ft := range flagTokens {
			if token == ft.token {
				flags |= ft.flag
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Wrapf(ErrSpecSyntax, "unknown flag token %q", token)
		}
	}
	return flags, nil
}

// Format serializes the spec back to its annotated textual form: the
// canonical "#kernel" header followed by the source. ParseSpec(s.Format())
// reproduces a spec equal to s (provided s.Source does not itself start with
// a header line).
func (s Spec) Format() string {
	var flagsField string
	if s.Flags != 0 {
		flagsField = " " + strings.Join(s.Flags.Tokens(), "|")
	}
	return fmt.Sprintf("%s %s : %s :%s\n%s", HeaderPrefix, s.Entry, s.paramTokens(), flagsField, s.Source)
}
