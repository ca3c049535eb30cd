// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implements the wire framing used on the Storage-Daemon
// channel: a textual record header followed by a length-bounded payload.
package protocol

import "strconv"

// StreamType identifies the kind of payload carried by a Record. The numeric
// values are part of the wire-compatibility contract and must never be
// renumbered.
type StreamType int

const (
	StreamUnixAttributes StreamType = 1
	StreamFileData       StreamType = 2
	StreamMD5Digest      StreamType = 3
	StreamSHA1Digest     StreamType = 4

	StreamSparseData     StreamType = 11
	StreamGzipData       StreamType = 12
	StreamSparseGzipData StreamType = 13
	StreamProgramNames   StreamType = 14 // reserved, must be ignored
	StreamProgramData    StreamType = 15

	StreamPluginName       StreamType = 17
	StreamUnixAttributesEx StreamType = 16

	StreamRestoreObject        StreamType = 19 // Director → FD only
	StreamEncryptedSessionData StreamType = 21
	StreamEncryptedFileData    StreamType = 22
	StreamEncryptedGzipFileData StreamType = 23
	StreamSignedDigest          StreamType = 24
	StreamCompressedData         StreamType = 26

	StreamMacOSForkData StreamType = 30
	StreamHFSAttributes StreamType = 31

	StreamSHA256Digest StreamType = 32
	StreamSHA512Digest StreamType = 33

	StreamSparseCompressedData    StreamType = 34
	StreamEncryptedCompressedData StreamType = 35

	// ACL family, opaque to the File Daemon beyond routing (platform specific).
	StreamACLFamilyStart StreamType = 1000
	StreamACLFamilyEnd   StreamType = 1014

	// xattr family, opaque to the File Daemon beyond routing (platform specific).
	StreamXattrFamilyStart StreamType = 1900
	StreamXattrFamilyEnd   StreamType = 1907
)

// IsACL reports whether st falls in the opaque ACL stream family.
func (st StreamType) IsACL() bool {
	return st >= StreamACLFamilyStart && st <= StreamACLFamilyEnd
}

// IsXattr reports whether st falls in the opaque xattr stream family.
func (st StreamType) IsXattr() bool {
	return st >= StreamXattrFamilyStart && st <= StreamXattrFamilyEnd
}

// IsDigest reports whether st is one of the content-digest families.
func (st StreamType) IsDigest() bool {
	switch st {
	case StreamMD5Digest, StreamSHA1Digest, StreamSHA256Digest, StreamSHA512Digest:
		return true
	}
	return false
}

// IsData reports whether st carries file content, in any compressed,
// encrypted, or sparse combination.
func (st StreamType) IsData() bool {
	switch st {
	case StreamFileData, StreamSparseData, StreamGzipData, StreamSparseGzipData,
		StreamCompressedData, StreamSparseCompressedData,
		StreamEncryptedFileData, StreamEncryptedGzipFileData,
		StreamEncryptedCompressedData:
		return true
	}
	return false
}

var streamTypeNames = map[StreamType]string{
	StreamUnixAttributes:          "unix-attributes",
	StreamFileData:                "file-data",
	StreamMD5Digest:               "md5-digest",
	StreamSHA1Digest:              "sha1-digest",
	StreamSparseData:              "sparse-data",
	StreamGzipData:                "gzip-data",
	StreamSparseGzipData:          "sparse-gzip-data",
	StreamProgramNames:            "program-names",
	StreamProgramData:             "program-data",
	StreamPluginName:              "plugin-name",
	StreamUnixAttributesEx:        "unix-attributes-ex",
	StreamRestoreObject:           "restore-object",
	StreamEncryptedSessionData:    "encrypted-session-data",
	StreamEncryptedFileData:       "encrypted-file-data",
	StreamEncryptedGzipFileData:   "encrypted-gzip-file-data",
	StreamSignedDigest:            "signed-digest",
	StreamCompressedData:          "compressed-data",
	StreamMacOSForkData:           "macos-fork-data",
	StreamHFSAttributes:           "hfs-attributes",
	StreamSHA256Digest:            "sha256-digest",
	StreamSHA512Digest:            "sha512-digest",
	StreamSparseCompressedData:    "sparse-compressed-data",
	StreamEncryptedCompressedData: "encrypted-compressed-data",
}

// String renders a human-readable name for st, falling back to the numeric
// family name for the opaque ACL/xattr ranges and "unknown(N)" otherwise.
func (st StreamType) String() string {
	if name, ok := streamTypeNames[st]; ok {
		return name
	}
	if st.IsACL() {
		return "acl-" + strconv.Itoa(int(st))
	}
	if st.IsXattr() {
		return "xattr-" + strconv.Itoa(int(st))
	}
	return "unknown(" + strconv.Itoa(int(st)) + ")"
}
