package session

// SSM command documents for the DCV lifecycle. Created on first use when the
// provider reports InvalidDocument at send time.

const installDocumentContent = `{
  "schemaVersion": "2.2",
  "description": "Install and start the NICE DCV server",
  "mainSteps": [
    {
      "action": "aws:runShellScript",
      "name": "installDCV",
      "inputs": {
        "timeoutSeconds": "1800",
        "runCommand": [
          "set -euo pipefail",
          "curl -fsSL https://d1uj6qtbmh3dt5.cloudfront.net/NICE-GPG-KEY | gpg --import",
          "curl -fsSL -o /tmp/nice-dcv.tgz https://d1uj6qtbmh3dt5.cloudfront.net/nice-dcv-el7-x86_64.tgz",
          "tar -xzf /tmp/nice-dcv.tgz -C /tmp",
          "yum install -y /tmp/nice-dcv-*/nice-dcv-server-*.rpm /tmp/nice-dcv-*/nice-xdcv-*.rpm",
          "systemctl enable dcvserver",
          "systemctl start dcvserver"
        ]
      }
    }
  ]
}`

const createSessionDocumentContent = `{
  "schemaVersion": "2.2",
  "description": "Create (or reuse) a named DCV console session",
  "parameters": {
    "sessionName": {"type": "String", "description": "Deterministic session name"},
    "owner": {"type": "String", "description": "OS account that owns the session"}
  },
  "mainSteps": [
    {
      "action": "aws:runShellScript",
      "name": "createSession",
      "inputs": {
        "timeoutSeconds": "300",
        "runCommand": [
          "set -euo pipefail",
          "dcv close-session {{sessionName}} 2>/dev/null || true",
          "dcv create-session --type=console --owner {{owner}} {{sessionName}}"
        ]
      }
    }
  ]
}`
