// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package biosimd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanASCIISeqInplace(t *testing.T) {
	seq := []byte("acgtACGTnNxy-")
	CleanASCIISeqInplace(seq)
	require.Equal(t, "ACGTACGTNNNNN", string(seq))
}
