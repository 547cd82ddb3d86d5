package templates

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

var charsets = map[string]string{
	"ALPHANUMERIC":             "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789",
	"ALPHABETIC":               "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"NUMERIC":                  "0123456789",
	"HEXADECIMAL":              "0123456789abcdef",
	"ALPHANUMERIC_AND_SYMBOLS": "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()_+-=[]{}|;:,.<>?",
}

// helpers is the full set of template helpers, registered once per process.
var helpers = map[string]interface{}{
	"randomValue":   randomValueHelper,
	"randomInt":     randomIntHelper,
	"randomDecimal": randomDecimalHelper,
	"now":           nowHelper,
	"faker":         fakerHelper,
	"cut":           cutHelper,
	"replace":       replaceHelper,
	"substring":     substringHelper,
	"json":          jsonHelper,
	"base64":        base64Helper,
	"default":       defaultHelper,
}

var helperNames = func() map[string]struct{} {
	names := make(map[string]struct{}, len(helpers))
	for name := range helpers {
		names[name] = struct{}{}
	}
	return names
}()

var registerOnce sync.Once

// RegisterHelpers installs the helpers into raymond. Safe to call repeatedly.
func RegisterHelpers() {
	registerOnce.Do(func() {
		raymond.RegisterHelpers(helpers)
	})
}

// {{randomValue type="NUMERIC" length=8 uppercase=true}}
func randomValueHelper(options *raymond.Options) string {
	kind := strings.ToUpper(options.HashStr("type"))
	if kind == "UUID" {
		return uuid.New().String()
	}
	charset, ok := charsets[kind]
	if !ok {
		charset = charsets["ALPHANUMERIC"]
	}
	length := 10
	if v := options.HashProp("length"); v != nil {
		length = toInt(v)
	}
	result := generateRandomString(charset, length)
	if v := options.HashProp("uppercase"); v != nil && raymond.IsTrue(v) {
		result = strings.ToUpper(result)
	}
	return result
}

// {{randomInt lower=1 upper=6}}, bounds inclusive
func randomIntHelper(options *raymond.Options) string {
	lower, upper := 0, 100
	if v := options.HashProp("lower"); v != nil {
		lower = toInt(v)
	}
	if v := options.HashProp("upper"); v != nil {
		upper = toInt(v)
	}
	if lower > upper {
		lower, upper = upper, lower
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(upper-lower+1)))
	if err != nil {
		return "0"
	}
	return strconv.Itoa(int(n.Int64()) + lower)
}

// {{randomDecimal lower=0 upper=1}}, two decimal places
func randomDecimalHelper(options *raymond.Options) string {
	lower, upper := 0.0, 100.0
	if v := options.HashProp("lower"); v != nil {
		lower = toFloat(v)
	}
	if v := options.HashProp("upper"); v != nil {
		upper = toFloat(v)
	}
	if lower > upper {
		lower, upper = upper, lower
	}
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return "0"
	}
	fraction := float64(n.Int64()) / float64(precision)
	return fmt.Sprintf("%.2f", lower+fraction*(upper-lower))
}

// {{now offset="-1 days" timezone="Europe/Berlin" format="yyyy-MM-dd"}}
func nowHelper(options *raymond.Options) string {
	now := time.Now().UTC()
	if offset := options.HashStr("offset"); offset != "" {
		if d, err := ParseOffset(offset); err == nil {
			now = now.Add(d)
		}
	}
	if tz := options.HashStr("timezone"); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			now = now.In(loc)
		}
	}
	switch format := options.HashStr("format"); format {
	case "":
		return now.Format(time.RFC3339)
	case "epoch":
		return strconv.FormatInt(now.UnixMilli(), 10)
	case "unix":
		return strconv.FormatInt(now.Unix(), 10)
	default:
		return now.Format(JavaToGoDateFormat(format))
	}
}

var fakers = map[string]func(f *gofakeit.Faker) string{
	"Name.first_name":        func(f *gofakeit.Faker) string { return f.FirstName() },
	"Name.last_name":         func(f *gofakeit.Faker) string { return f.LastName() },
	"Name.full_name":         func(f *gofakeit.Faker) string { return f.Name() },
	"Name.prefix":            func(f *gofakeit.Faker) string { return f.NamePrefix() },
	"Name.suffix":            func(f *gofakeit.Faker) string { return f.NameSuffix() },
	"Address.street":         func(f *gofakeit.Faker) string { return f.Street() },
	"Address.street_name":    func(f *gofakeit.Faker) string { return f.StreetName() },
	"Address.street_number":  func(f *gofakeit.Faker) string { return f.StreetNumber() },
	"Address.city":           func(f *gofakeit.Faker) string { return f.City() },
	"Address.state":          func(f *gofakeit.Faker) string { return f.State() },
	"Address.state_abbrev":   func(f *gofakeit.Faker) string { return f.StateAbr() },
	"Address.country":        func(f *gofakeit.Faker) string { return f.Country() },
	"Address.country_code":   func(f *gofakeit.Faker) string { return f.CountryAbr() },
	"Address.postcode":       func(f *gofakeit.Faker) string { return f.Zip() },
	"Phone.number":           func(f *gofakeit.Faker) string { return f.Phone() },
	"Phone.number_formatted": func(f *gofakeit.Faker) string { return f.PhoneFormatted() },
	"Internet.email":         func(f *gofakeit.Faker) string { return f.Email() },
	"Internet.username":      func(f *gofakeit.Faker) string { return f.Username() },
	"Internet.url":           func(f *gofakeit.Faker) string { return f.URL() },
	"Internet.ipv4":          func(f *gofakeit.Faker) string { return f.IPv4Address() },
	"Internet.ipv6":          func(f *gofakeit.Faker) string { return f.IPv6Address() },
	"Internet.mac":           func(f *gofakeit.Faker) string { return f.MacAddress() },
	"Company.name":           func(f *gofakeit.Faker) string { return f.Company() },
	"Company.suffix":         func(f *gofakeit.Faker) string { return f.CompanySuffix() },
	"Company.profession":     func(f *gofakeit.Faker) string { return f.JobTitle() },
	"Lorem.word":             func(f *gofakeit.Faker) string { return f.Word() },
	"Lorem.sentence":         func(f *gofakeit.Faker) string { return f.Sentence(5) },
	"Lorem.paragraph":        func(f *gofakeit.Faker) string { return f.Paragraph(1, 3, 5, " ") },
	"Finance.credit_card":    func(f *gofakeit.Faker) string { return f.CreditCardNumber(nil) },
	"Finance.currency":       func(f *gofakeit.Faker) string { return f.CurrencyShort() },
	"Misc.uuid":              func(f *gofakeit.Faker) string { return f.UUID() },
	"Misc.boolean":           func(f *gofakeit.Faker) string { return strconv.FormatBool(f.Bool()) },
	"Misc.date":              func(f *gofakeit.Faker) string { return f.Date().Format("2006-01-02") },
	"Misc.time":              func(f *gofakeit.Faker) string { return f.Date().Format("15:04:05") },
	"Misc.timestamp":         func(f *gofakeit.Faker) string { return strconv.FormatInt(f.Date().Unix(), 10) },
	"Misc.digit":             func(f *gofakeit.Faker) string { return f.Digit() },
}

// {{faker "Internet.email"}}
func fakerHelper(key string) string {
	gen, ok := fakers[key]
	if !ok {
		return ""
	}
	return gen(gofakeit.New(0))
}

// {{cut value "-"}}
func cutHelper(value interface{}, toRemove interface{}, options *raymond.Options) raymond.SafeString {
	return replaceHelper(value, toRemove, "", options)
}

// {{replace value "old" "new"}}
func replaceHelper(value interface{}, old interface{}, newVal interface{}, options *raymond.Options) raymond.SafeString {
	if value == nil {
		return ""
	}
	content := raymond.Str(value)
	oldStr := raymond.Str(old)
	if content == "" || oldStr == "" {
		return raymond.SafeString(content)
	}
	return raymond.SafeString(strings.ReplaceAll(content, oldStr, raymond.Str(newVal)))
}

// {{substring value start=0 end=4}}, indices clamped to the string
func substringHelper(value interface{}, options *raymond.Options) raymond.SafeString {
	if value == nil {
		return ""
	}
	content := raymond.Str(value)
	length := len(content)
	start, end := 0, length
	if v := options.HashProp("start"); v != nil {
		start = toInt(v)
	}
	if v := options.HashProp("end"); v != nil {
		end = toInt(v)
	}
	start = clamp(start, 0, length)
	end = clamp(end, start, length)
	return raymond.SafeString(content[start:end])
}

// {{json value}} renders any bound value as compact JSON.
func jsonHelper(value interface{}) raymond.SafeString {
	if view, ok := value.(interface{ TemplateView() any }); ok {
		value = view.TemplateView()
	}
	out, err := sonic.MarshalString(value)
	if err != nil {
		return ""
	}
	return raymond.SafeString(out)
}

// {{base64 value}}
func base64Helper(value interface{}) raymond.SafeString {
	return raymond.SafeString(base64.StdEncoding.EncodeToString([]byte(raymond.Str(value))))
}

// {{default value "fallback"}}
func defaultHelper(value interface{}, fallback interface{}) interface{} {
	if raymond.IsTrue(value) {
		return value
	}
	return fallback
}

func generateRandomString(charset string, length int) string {
	if length <= 0 {
		return ""
	}
	max := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return ""
		}
		out[i] = charset[n.Int64()]
	}
	return string(out)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toInt(val interface{}) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}

func toFloat(val interface{}) float64 {
	switch v := val.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	}
	return 0
}

var offsetUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}

// ParseOffset parses offsets like "3 days", "-24 seconds" or "1 year".
// Months and years are approximated as 30 and 365 days.
func ParseOffset(offset string) (time.Duration, error) {
	parts := strings.Fields(offset)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid offset format %q", offset)
	}
	value, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset value %q: %w", parts[0], err)
	}
	unit := strings.TrimSuffix(strings.ToLower(parts[1]), "s")
	d, ok := offsetUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown time unit: %s", unit)
	}
	return time.Duration(value) * d, nil
}

// Longest patterns first so "yyyy" wins over "yy".
var javaDateReplacer = strings.NewReplacer(
	"yyyy", "2006",
	"MMMM", "January",
	"EEEE", "Monday",
	"MMM", "Jan",
	"EEE", "Mon",
	"SSS", "000",
	"yy", "06",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"hh", "03",
	"mm", "04",
	"ss", "05",
	"SS", "00",
	"M", "1",
	"d", "2",
	"H", "15",
	"h", "3",
	"m", "4",
	"s", "5",
	"S", "0",
	"a", "PM",
	"z", "MST",
	"Z", "-0700",
)

// JavaToGoDateFormat converts a SimpleDateFormat pattern to a Go layout.
func JavaToGoDateFormat(javaFormat string) string {
	return javaDateReplacer.Replace(javaFormat)
}
