// Package middleware assembles a FakedContext: an in-process organization
// service built from configuration steps and a request pipeline.
//
// Add* calls configure the context; Use* calls define the pipeline
// sequence, outermost first:
//
//	fc, err := middleware.New().
//		AddCrud().
//		AddFakeMessageExecutors().
//		AddPipelineSimulation(pipeline.Options{UsePipelineSimulation: true, UsePluginStepAudit: true}).
//		UsePipelineSimulation().
//		UseMessages().
//		UseCrud().
//		Build()
//
// UsePipelineSimulation must come before the other Use* calls so plugin
// stages wrap the operation executors.
package middleware
