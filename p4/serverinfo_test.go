package p4

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSupportsUnzip(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"P4D/LINUX26X86_64/2020.1/1991450 (2020/05/05)", true},
		{"P4D/LINUX26X86_64/2015.2/1171507 (2015/09/24)", true},
		{"P4D/LINUX26X86_64/2015.1/1038654 (2015/03/20)", true},
		{"P4D/LINUX26X86_64/2015.1/1028542 (2015/01/21)", false},
		{"P4D/LINUX26X86_64/2014.2/0977258 (2014/10/17)", false},
		{"garbage", false},
		{"", false},
	}
	for _, c := range cases {
		si := &ServerInfo{Version: c.version}
		assert.Equal(t, c.want, si.SupportsUnzip(), c.version)
	}
}
