package weaver_test

import (
	"fmt"

	"github.com/kolkov/probeweaver/weaver"
)

// Example shows the build information.
func Example() {
	info := weaver.GetInfo()
	fmt.Println(info.Version, info.StateFormat)

	// Output:
	// 0.1.0 v1.0.0
}

// Example_parseKind parses event kinds by name, as configuration and
// command lines name them.
func Example_parseKind() {
	for _, name := range []string{"throw", "Virtual-Method-Enter", "teleport"} {
		k, err := weaver.ParseKind(name)
		if err != nil {
			fmt.Println(err)
			continue
		}
		fmt.Println(k, k.RequiresRewrite())
	}

	// Output:
	// throw false
	// virtual-method-enter true
	// unknown event kind "teleport"
}

// Example_errorPolicy shows which policies let event delivery resume after
// a failed redefinition.
func Example_errorPolicy() {
	for _, p := range []weaver.ErrorPolicy{weaver.PolicyHalt, weaver.PolicyResume, weaver.PolicyDetach} {
		fmt.Printf("%s: resume=%t\n", p, p.AdviseResume())
	}

	// Output:
	// halt: resume=false
	// resume: resume=true
	// detach: resume=false
}
