package opengaze

// RecordEnd marks the successor of the last field in a data record.
const RecordEnd = "/>"

// TimeField is the tracker's elapsed-time attribute, in seconds.
const TimeField = "TIME"

// Rule names a recognised field and the field that follows it on the wire.
type Rule struct {
	Field     string
	Successor string
}

// rules follows the attribute order Gazepoint Control emits when every
// output group of DefaultCommands is enabled.
var rules = [...]Rule{
	{"TIME", "FPOGX"},
	{"FPOGX", "FPOGY"},
	{"FPOGY", "FPOGS"},
	{"FPOGS", "FPOGD"},
	{"FPOGD", "FPOGID"},
	{"FPOGID", "FPOGV"},
	{"FPOGV", "LPOGX"},
	{"LPOGX", "LPOGY"},
	{"LPOGY", "LPOGV"},
	{"LPOGV", "RPOGX"},
	{"RPOGX", "RPOGY"},
	{"RPOGY", "RPOGV"},
	{"RPOGV", "BPOGX"},
	{"BPOGX", "BPOGY"},
	{"BPOGY", "BPOGV"},
	{"BPOGV", "LPCX"},
	{"LPCX", "LPCY"},
	{"LPCY", "LPD"},
	{"LPD", "LPS"},
	{"LPS", "LPV"},
	{"LPV", "RPCX"},
	{"RPCX", "RPCY"},
	{"RPCY", "RPD"},
	{"RPD", "RPS"},
	{"RPS", "RPV"},
	{"RPV", "BKID"},
	{"BKID", "BKDUR"},
	{"BKDUR", "BKPMIN"},
	{"BKPMIN", "LPMM"},
	{"LPMM", "LPMMV"},
	{"LPMMV", "RPMM"},
	{"RPMM", "RPMMV"},
	{"RPMMV", "DIAL"},
	{"DIAL", "DIALV"},
	{"DIALV", "GSR"},
	{"GSR", "GSRV"},
	{"GSRV", "HR"},
	{"HR", "HRV"},
	{"HRV", "HRP"},
	{"HRP", RecordEnd},
}

// Rules returns the field catalogue in wire order. The result is a copy.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules[:])
	return out
}

// FieldNames returns the recognised field names in wire order, TIME first.
func FieldNames() []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Field
	}
	return names
}
