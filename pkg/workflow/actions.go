package workflow

import (
	"context"
	"fmt"

	"github.com/rizome-dev/conductor/pkg/types"
)

// runAction performs an action node inline. The caller holds the run lock.
func (e *Engine) runAction(ctx context.Context, run *types.WorkflowRun, node *types.Node, ob *outbox) {
	run.Dispatched = append(run.Dispatched, node.ID)
	e.setNode(run, node.ID, types.NodeRunning, "", "", ob)

	var (
		output map[string]interface{}
		err    error
	)
	switch node.Action {
	case ActionPublish:
		output, err = e.publish(ctx, run, node)
	case ActionSetVariable:
		name := paramString(node.Params, "name")
		value := node.Params["value"]
		if run.Variables == nil {
			run.Variables = make(map[string]interface{})
		}
		run.Variables[name] = value
		output = map[string]interface{}{name: value}
	case ActionLog:
		msg := paramString(node.Params, "message")
		log := e.logger.WithFields(map[string]interface{}{"run_id": run.ID, "node_id": node.ID})
		switch paramString(node.Params, "level") {
		case "debug":
			log.Debug("%s", msg)
		case "warn":
			log.Warn("%s", msg)
		case "error":
			log.Error("%s", msg)
		default:
			log.Info("%s", msg)
		}
	default:
		err = fmt.Errorf("unknown action %q", node.Action)
	}

	if err != nil {
		e.nodeFailed(run, node, types.ReasonActionError, err.Error(), ob)
		return
	}
	run.NodeStates[node.ID].Output = output
	e.setNode(run, node.ID, types.NodeSucceeded, "", "", ob)
}

// publish sends a message through the bus. Params: topic, agent or all
// selects the recipient; subject, body, kind and priority are optional.
func (e *Engine) publish(ctx context.Context, run *types.WorkflowRun, node *types.Node) (map[string]interface{}, error) {
	if e.sender == nil {
		return nil, fmt.Errorf("no message bus configured")
	}

	var to types.Recipient
	switch {
	case paramString(node.Params, "topic") != "":
		to = types.ToTopic(paramString(node.Params, "topic"))
	case paramString(node.Params, "agent") != "":
		to = types.ToAgent(paramString(node.Params, "agent"))
	default:
		to = types.ToAll()
	}
	subject := paramString(node.Params, "subject")
	if subject == "" {
		subject = fmt.Sprintf("%s/%s", run.Name, node.ID)
	}

	msg, err := e.sender.Send(ctx, &types.Message{
		From:     types.SystemSender,
		To:       to,
		Kind:     types.MessageKind(paramString(node.Params, "kind")),
		Priority: types.Priority(paramString(node.Params, "priority")),
		Subject:  subject,
		Body:     paramString(node.Params, "body"),
		Metadata: map[string]string{"run_id": run.ID, "node_id": node.ID},
	})
	if err != nil {
		return nil, err
	}
	if msg.Status == types.DeliveryFailed {
		return nil, fmt.Errorf("message %s to %s failed: %s", msg.ID, to, msg.FailureReason)
	}
	return map[string]interface{}{"message_id": msg.ID, "status": string(msg.Status)}, nil
}
