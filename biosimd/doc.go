// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package biosimd provides byte-array operations on raw sequence data that
// tiledref and encoding/fasta use to sanitize FASTA bytes before they are
// written or indexed.
package biosimd
