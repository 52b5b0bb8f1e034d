// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package probe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindKProbe, KindFor(false, false))
	require.Equal(t, KindKRetProbe, KindFor(false, true))
	require.Equal(t, KindUProbe, KindFor(true, false))
	require.Equal(t, KindURetProbe, KindFor(true, true))
	require.True(t, KindURetProbe.User())
	require.True(t, KindURetProbe.Return())
	require.False(t, KindKProbe.User())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{"kprobe", Descriptor{Kind: KindKProbe}, true},
		{"kretprobe", Descriptor{Kind: KindKRetProbe, Return: true}, true},
		{"kretprobe without flag", Descriptor{Kind: KindKRetProbe}, false},
		{"init section", Descriptor{Kind: KindKProbe, Kernel: &KernelPayload{Symbol: "init_module", Offset: 4}}, true},
		{"uprobe", Descriptor{Kind: KindUProbe, User: &UserPayload{Path: "/bin/true"}}, true},
		{"uprobe without payload", Descriptor{Kind: KindUProbe}, false},
		{"kprobe with user payload", Descriptor{Kind: KindKProbe, User: &UserPayload{}}, false},
		{"unknown", Descriptor{Kind: Kind(42)}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.d.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestTarget(t *testing.T) {
	t.Parallel()

	k := &Descriptor{Kind: KindKProbe, Module: "kernel", Section: "_stext", RelocatedAddr: 0x1234, Name: "sys_read"}
	require.Equal(t, "kernel:_stext+0x1234", k.Target())
	require.Equal(t, "kprobe sys_read kernel:_stext+0x1234", k.String())

	m := &Descriptor{Kind: KindKProbe, Module: "ext4", Section: ".init.text", Kernel: &KernelPayload{Symbol: "ext4_init_fs", Offset: 0x10}}
	require.Equal(t, "ext4:ext4_init_fs+0x10", m.Target())

	u := &Descriptor{Kind: KindUProbe, Name: "main", File: "app.c", Line: 42, User: &UserPayload{Path: "/usr/bin/app", Offset: 0x1139}}
	require.Equal(t, "uprobe main@app.c:42 /usr/bin/app:0x1139", u.String())
}
