package validator

var tagMap = map[string]string{
	"required":      "required",
	"required_if":   "required",
	"omitempty":     "optional",
	"uuid":          "invalid_uuid",
	"hostname_port": "invalid_host_port",
	"url":           "invalid_url",
	"max":           "too_long",
	"min":           "too_short",
	"gt":            "too_small",
	"lt":            "too_large",
	"gte":           "too_small_or_equal",
	"lte":           "too_large_or_equal",
	"len":           "invalid_length",
	"oneof":         "invalid_choice",
	"printascii":    "only_printable_ascii_allowed",
	"json":          "invalid_json",
}

func mapTagToCode(tag string) string {
	if code, ok := tagMap[tag]; ok {
		return code
	}
	return "invalid"
}
