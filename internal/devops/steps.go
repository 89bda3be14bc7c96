package devops

import (
	"fmt"
	"html"
	"strings"
)

// Step is one action / expected result pair of a test case.
type Step struct {
	Action   string
	Expected string
}

// StepsXML renders steps in the format stored in Microsoft.VSTS.TCM.Steps.
// Step text is HTML inside XML, so it is escaped twice.
func StepsXML(steps []Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<steps id="0" last="%d">`, len(steps)+1)
	for i, s := range steps {
		fmt.Fprintf(&b, `<step id="%d" type="ValidateStep">`, i+2)
		fmt.Fprintf(&b, `<parameterizedString isformatted="true">%s</parameterizedString>`, stepText(s.Action))
		fmt.Fprintf(&b, `<parameterizedString isformatted="true">%s</parameterizedString>`, stepText(s.Expected))
		b.WriteString(`<description/></step>`)
	}
	b.WriteString(`</steps>`)
	return b.String()
}

func stepText(s string) string {
	inner := "<DIV><P>" + html.EscapeString(strings.TrimSpace(s)) + "</P></DIV>"
	return html.EscapeString(inner)
}
