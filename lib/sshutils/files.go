/*
Copyright 2024 Fermi National Accelerator Laboratory

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sshutils

import (
	"context"
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
)

// FileClient transfers files over an sftp channel on the transport.
type FileClient struct {
	sftp *sftp.Client
}

// Files opens an sftp channel. Callers close it independently of the
// transport.
func (c *Client) Files(ctx context.Context) (*FileClient, error) {
	conn, err := c.active(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, trace.Wrap(&ConnectionError{Host: c.Target().Host, Err: err})
	}
	return &FileClient{sftp: client}, nil
}

// List returns directory entries.
func (f *FileClient) List(path string) ([]os.FileInfo, error) {
	infos, err := f.sftp.ReadDir(path)
	return infos, trace.Wrap(err)
}

// Stat returns file metadata.
func (f *FileClient) Stat(path string) (os.FileInfo, error) {
	info, err := f.sftp.Stat(path)
	return info, trace.Wrap(err)
}

// Get copies a remote file into w.
func (f *FileClient) Get(remotePath string, w io.Writer) error {
	src, err := f.sftp.Open(remotePath)
	if err != nil {
		return trace.Wrap(err)
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return trace.Wrap(err)
}

// Put writes r to a remote file, creating or truncating it.
func (f *FileClient) Put(remotePath string, r io.Reader) error {
	dst, err := f.sftp.Create(remotePath)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = io.Copy(dst, r)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return trace.Wrap(err)
}

// Remove deletes a remote file.
func (f *FileClient) Remove(remotePath string) error {
	return trace.Wrap(f.sftp.Remove(remotePath))
}

// Close closes the sftp channel only.
func (f *FileClient) Close() error {
	return trace.Wrap(f.sftp.Close())
}
