/*
Copyright (c) ColdSync contributors.

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

package slp

// SetRemoteForTest latches addr as the Framer's remote address
// without going through a real Read. It exists only so padp's tests
// can set up a loopback pair without performing a real
// SLP exchange first; production code has no reason to call it.
func SetRemoteForTest(f *Framer, addr Address) {
	f.remote = addr
}
